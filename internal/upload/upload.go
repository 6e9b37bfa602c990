// Package upload streams a local source to a relay's ingest endpoint
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// StatusError is returned when the relay answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload rejected with status %d: %s", e.StatusCode, e.Body)
}

// URL returns the upload address for secret on the relay at base,
// e.g. http://localhost:8888
func URL(base, secret string) string {
	return strings.TrimSuffix(base, "/") + "/upload/" + secret
}

// Stream posts everything read from r to url as one chunked request, and
// returns when r is exhausted, ctx is cancelled, or the relay rejects it.
// If r is an io.Closer it is closed when ctx is cancelled.
func Stream(ctx context.Context, client *http.Client, url string, r io.Reader) error {

	if client == nil {
		client = http.DefaultClient
	}

	// hide any Len method so the body is always sent chunked
	var body io.ReadCloser = io.NopCloser(r)

	// a blocked read on r only returns once r is closed
	if c, ok := r.(io.Closer); ok {
		body = struct {
			io.Reader
			io.Closer
		}{r, c}

		closed := make(chan struct{})

		stop := context.AfterFunc(ctx, func() {
			_ = c.Close()
			close(closed)
		})

		defer func() {
			if !stop() {
				<-closed
			}
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "video/mp2t")

	log.WithField("url", url).Debug("Starting upload")

	resp, err := client.Do(req)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	log.WithFields(log.Fields{"url": url, "status": resp.StatusCode}).Debug("Upload finished")

	return nil
}
