// Package slug fetches a slug archive and unpacks it into a directory.
package slug

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// FetchError is returned when a slug cannot be obtained or unpacked.
type FetchError struct {
	Ref string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch slug %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsURL reports whether ref should be downloaded rather than opened locally.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Source fetches slugs. The zero value uses http.DefaultClient.
type Source struct {
	Client *http.Client
}

// NewSource returns a Source whose downloads give up after timeout.
func NewSource(timeout time.Duration) *Source {
	return &Source{Client: &http.Client{Timeout: timeout}}
}

// Fetch unpacks the slug at ref into dest and returns the number of
// compressed bytes read. There is no retry.
func (s *Source) Fetch(ctx context.Context, ref, dest string) (int64, error) {
	var (
		body io.ReadCloser
		err  error
	)
	if IsURL(ref) {
		body, err = s.download(ctx, ref)
	} else {
		body, err = os.Open(ref)
	}
	if err != nil {
		return 0, &FetchError{Ref: ref, Err: err}
	}
	defer body.Close()

	cr := &countingReader{r: body}
	if err := extract(cr, dest); err != nil {
		return cr.n, &FetchError{Ref: ref, Err: err}
	}
	return cr.n, nil
}

func (s *Source) download(ctx context.Context, ref string) (io.ReadCloser, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// Fetch unpacks ref into dest using a default Source.
func Fetch(ctx context.Context, ref, dest string) error {
	_, err := (&Source{}).Fetch(ctx, ref, dest)
	return err
}
