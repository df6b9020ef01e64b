package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const (
	wsMessageJob     = "job"
	wsMessageDeleted = "deleted"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsJobClient pushes snapshots of one job to one connection. done closes
// when the peer goes away.
type wsJobClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger
}

func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	updates, unsubscribe, err := s.jobs.Subscribe(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.logger.Warn("ws upgrade failed", slog.String("jobId", id), slog.String("error", err.Error()))
		return
	}

	client := &wsJobClient{
		conn:   conn,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go client.readPump()
	go s.forwardJob(client, id, updates, unsubscribe)
	client.writePump()
}

// forwardJob relays job snapshots until the subscription ends. The store may
// drop the terminal snapshot for a slow subscriber, so the final state is
// re-read once the channel closes.
func (s *Server) forwardJob(client *wsJobClient, id string, updates <-chan domain.ResolutionJob, unsubscribe func()) {
	defer close(client.send)
	defer unsubscribe()

	var last domain.ResolutionJob
	for {
		select {
		case <-client.done:
			return
		case job, ok := <-updates:
			if !ok {
				final, err := s.jobs.GetJob(id)
				switch {
				case err != nil:
					client.enqueue(wsMessage{Type: wsMessageDeleted, Data: map[string]string{"id": id}})
				case final.State != last.State || final.Progress != last.Progress:
					client.enqueue(wsMessage{Type: wsMessageJob, Data: final})
				}
				return
			}
			last = job
			if !client.enqueue(wsMessage{Type: wsMessageJob, Data: job}) {
				return
			}
		}
	}
}

func (c *wsJobClient) enqueue(msg wsMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsJobClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsJobClient) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
