package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/banco/internal/history"
)

const defaultTimeout = 5 * time.Second

type Options struct {
	BaseURL string // http(s)://host:port
	Index   string
	// Daily appends the event date, "<index>-2006.01.02", for
	// date-based retention.
	Daily    bool
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes each event as one document, PUT to
// <base>/<index>/_doc/<event id>. The id makes a retried send idempotent.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) (*Sink, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("opensearch: base URL required")
	}
	if opts.Index == "" {
		return nil, errors.New("opensearch: index required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}, nil
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	u := s.opts.BaseURL + "/" + url.PathEscape(s.indexFor(e)) + "/_doc/" + url.PathEscape(e.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
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
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(resp)
}

// statusError surfaces the error reason OpenSearch puts in its JSON body.
func statusError(resp *http.Response) error {
	var payload struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(b, &payload) == nil && payload.Error.Reason != "" {
		return fmt.Errorf("opensearch: status %d: %s: %s", resp.StatusCode, payload.Error.Type, payload.Error.Reason)
	}
	return fmt.Errorf("opensearch: status %d", resp.StatusCode)
}
