package models

import (
	"time"
)

// Page is a crawled page snapshot handed to analyzers. It is assembled once
// by the crawl stage and read-only from then on.
type Page struct {
	URL         string              `json:"url"`
	FinalURL    string              `json:"final_url"`
	StatusCode  int                 `json:"status_code"`
	Headers     map[string][]string `json:"headers"`
	Body        string              `json:"body"`
	ContentType string              `json:"content_type"`
	LoadTime    time.Duration       `json:"load_time_ns"`
	TLS         bool                `json:"tls"`
	FetchedAt   time.Time           `json:"fetched_at"`
}

// Header returns the first value for the named response header, or "".
func (p *Page) Header(name string) string {
	if vs, ok := p.Headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
