package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/supervisr/internal/history"
)

// Options configures the sink. Index may carry a time layout in braces,
// e.g. "supervisr-{2006.01.02}", expanded with the event time so events
// land in daily indices.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes events as OpenSearch documents. Each document id is derived
// from the event so a retried delivery overwrites instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(baseURL, index string) *Sink {
	return NewWithOptions(Options{BaseURL: baseURL, Index: index})
}

func NewWithOptions(o Options) *Sink {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: o.Timeout}, opts: o}
}

func (s *Sink) index(at time.Time) string {
	open := strings.IndexByte(s.opts.Index, '{')
	end := strings.LastIndexByte(s.opts.Index, '}')
	if open < 0 || end < open {
		return s.opts.Index
	}
	return s.opts.Index[:open] + at.UTC().Format(s.opts.Index[open+1:end]) + s.opts.Index[end+1:]
}

func docID(e history.Event) string {
	return fmt.Sprintf("%d-%s-%d", e.Record.ServiceID, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.opts.BaseURL, url.PathEscape(s.index(e.OccurredAt)), url.PathEscape(docID(e)))
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
