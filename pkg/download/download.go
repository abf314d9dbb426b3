// Package download performs blob transfers into the model store.
//
// The store treats this package as a collaborator: it hands over a URL and a
// destination path and gets back either a completed file or a typed HTTP
// error it can inspect for its optional-file handling.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/modelpack/mstore/pkg/progress"
)

// partialSuffix marks an in-flight transfer next to its final destination.
const partialSuffix = ".partial"

// Request describes one blob transfer.
type Request struct {
	URL          string
	Header       map[string]string
	DestPath     string
	ShowProgress bool
}

// Downloader fetches a remote blob to a local path.
type Downloader interface {
	Download(ctx context.Context, req Request) error
}

// HTTPError is returned for non-2xx responses so that callers can
// distinguish missing optional files from hard failures.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download %q: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// NotFound reports whether the error is an HTTP 404 response.
func NotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Option configures an HTTPDownloader.
type Option func(*HTTPDownloader)

// WithClient sets the HTTP client used for transfers.
func WithClient(client *http.Client) Option {
	return func(d *HTTPDownloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *HTTPDownloader) {
		if log != nil {
			d.log = log
		}
	}
}

// WithProgressWriter sets the writer progress messages are emitted to.
func WithProgressWriter(w io.Writer) Option {
	return func(d *HTTPDownloader) {
		d.progressOut = w
	}
}

// HTTPDownloader downloads blobs over HTTP. Transfers are written to a
// .partial file next to the destination and promoted by rename, so an
// interrupted process never leaves a truncated blob behind under the final
// name.
type HTTPDownloader struct {
	client      *http.Client
	log         *logrus.Entry
	progressOut io.Writer
}

// NewHTTPDownloader creates an HTTPDownloader.
func NewHTTPDownloader(opts ...Option) *HTTPDownloader {
	d := &HTTPDownloader{
		client: http.DefaultClient,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches req.URL into req.DestPath. Responses outside the 2xx
// range yield an *HTTPError.
func (d *HTTPDownloader) Download(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &HTTPError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	partialPath := req.DestPath + partialSuffix
	f, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("create partial blob file: %w", err)
	}
	defer os.Remove(partialPath)
	defer f.Close()

	body := io.Reader(resp.Body)
	if req.ShowProgress && d.progressOut != nil {
		reporter := progress.NewReporter(d.progressOut, filepath.Base(req.DestPath), resp.ContentLength)
		updates := reporter.Updates()
		body = progress.NewReader(body, updates)
		defer func() {
			close(updates)
			if werr := reporter.Wait(); werr != nil {
				d.log.WithError(werr).Debug("progress reporting failed")
			}
		}()
	}

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("copy blob to %q: %w", req.DestPath, err)
	}

	f.Close() // Rename will fail on Windows if the file is still open.
	if err := os.Rename(partialPath, req.DestPath); err != nil {
		return fmt.Errorf("promote partial blob file: %w", err)
	}
	return nil
}
