// Package httpfetch builds syncache fetchers and mutators over net/http,
// encoding bodies with a codec.Codec.
package httpfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unkn0wn-root/syncache"
	c "github.com/unkn0wn-root/syncache/codec"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string // first bytes of the response, for diagnostics
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Temporary reports whether retrying might succeed (5xx, 408 and 429).
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// NewClient returns a client with a timeout; nil-safe defaults for the helpers below.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Fetcher GETs url and decodes the body with codec.
func Fetcher[V any](client *http.Client, url string, codec c.Codec[V]) syncache.Fetcher[V] {
	if client == nil {
		client = NewClient(0)
	}
	return func(ctx context.Context) (V, error) {
		var zero V
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return zero, syncache.Permanent(err)
		}
		req.Header.Set("Accept", codec.ContentType())
		body, err := do(client, req)
		if err != nil {
			return zero, err
		}
		v, err := codec.Decode(body)
		if err != nil {
			return zero, syncache.Permanent(fmt.Errorf("decode %s: %w", url, err))
		}
		return v, nil
	}
}

// Mutator sends the proposed entity with method (PUT, PATCH, POST) to
// urlFor(entity). Any 2xx response confirms the change; the body is ignored.
func Mutator[E any](client *http.Client, method string, urlFor func(E) string, codec c.Codec[E]) syncache.MutateFunc[E] {
	if client == nil {
		client = NewClient(0)
	}
	return func(ctx context.Context, proposed E) error {
		raw, err := codec.Encode(proposed)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlFor(proposed), bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", codec.ContentType())
		_, err = do(client, req)
		return err
	}
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.String(),
			Code:   resp.StatusCode,
			Body:   string(bytes.TrimSpace(snippet)),
		}
	}
	return body, nil
}
