package domain

// FileQuery is what the cache-mount provider needs to find candidate files.
type FileQuery struct {
	Title           string
	Year            int
	Type            MediaType
	Season          int
	Episode         int
	DurationHintMin int
}

// IndexerQuery carries the title plus the query variants to issue upstream.
type IndexerQuery struct {
	Title    string
	Year     int
	Type     MediaType
	Season   int
	Episode  int
	Variants []string
}

// DebridStatus is the debrid-side view of an added torrent.
type DebridStatus struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	Progress float64      `json:"progress"`
	Filename string       `json:"filename,omitempty"`
	Bytes    int64        `json:"bytes,omitempty"`
	Files    []DebridFile `json:"files,omitempty"`
	Links    []string     `json:"links,omitempty"`
}

type DebridFile struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Selected bool   `json:"selected"`
}

type UnrestrictedLink struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Download string `json:"download"`
}
