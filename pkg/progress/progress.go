// Package progress provides progress reporting for blob transfers as a
// stream of JSON messages.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// UpdateInterval defines how often progress updates should be sent.
const UpdateInterval = 100 * time.Millisecond

// MinBytesForUpdate defines the minimum number of bytes that need to be
// transferred before sending another progress update.
const MinBytesForUpdate = 1024 * 1024 // 1MB

// Blob describes the transfer currently being reported.
type Blob struct {
	Hash    string `json:"hash"`    // Blob content hash
	Size    uint64 `json:"size"`    // Expected blob size, 0 if unknown
	Current uint64 `json:"current"` // Bytes transferred so far
}

// Message is one JSON-encoded progress event.
type Message struct {
	Type    string `json:"type"`    // "progress", "success", or "error"
	Message string `json:"message"` // Human-readable message
	Total   uint64 `json:"total"`
	Pulled  uint64 `json:"pulled"`
	Blob    Blob   `json:"blob,omitempty"`
}

// Reporter drains v1.Update values from a channel and writes rate-limited
// progress messages to an io.Writer.
type Reporter struct {
	updates  chan v1.Update
	done     chan struct{}
	err      error
	out      io.Writer
	blobHash string
	total    int64
}

// NewReporter creates a Reporter for the blob identified by hash. The total
// size may be zero if unknown. A nil writer discards all updates.
func NewReporter(w io.Writer, blobHash string, total int64) *Reporter {
	return &Reporter{
		updates:  make(chan v1.Update, 1),
		done:     make(chan struct{}),
		out:      w,
		blobHash: blobHash,
		total:    total,
	}
}

// Updates returns the channel to send progress updates on. The caller must
// close the channel when the transfer finishes. Should only be called once
// per Reporter instance.
func (r *Reporter) Updates() chan<- v1.Update {
	go func() {
		var lastComplete int64
		var lastUpdate time.Time

		for u := range r.updates {
			if r.out == nil || r.err != nil {
				continue // If we fail to write progress, don't try again
			}
			now := time.Now()
			total := r.total
			if total == 0 {
				total = u.Total
			}
			if now.Sub(lastUpdate) >= UpdateInterval || u.Complete-lastComplete >= MinBytesForUpdate {
				msg := fmt.Sprintf("Downloaded: %.2f MB", float64(u.Complete)/1024/1024)
				if err := WriteProgress(r.out, msg, safeUint64(total), safeUint64(u.Complete), r.blobHash); err != nil {
					r.err = err
				}
				lastUpdate = now
				lastComplete = u.Complete
			}
		}
		close(r.done)
	}()
	return r.updates
}

// Wait waits for the Reporter to drain and returns any write error.
func (r *Reporter) Wait() error {
	<-r.done
	return r.err
}

// safeUint64 converts an int64 to uint64, clamping negative values to zero.
func safeUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// WriteProgress writes a progress update message.
func WriteProgress(w io.Writer, msg string, total, current uint64, blobHash string) error {
	return write(w, Message{
		Type:    "progress",
		Message: msg,
		Total:   total,
		Pulled:  current,
		Blob: Blob{
			Hash:    blobHash,
			Size:    total,
			Current: current,
		},
	})
}

// WriteSuccess writes a success message.
func WriteSuccess(w io.Writer, message string) error {
	return write(w, Message{Type: "success", Message: message})
}

// WriteError writes an error message.
func WriteError(w io.Writer, message string) error {
	return write(w, Message{Type: "error", Message: message})
}

func write(w io.Writer, msg Message) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// NewReader wraps r so that every read reports cumulative progress to updates.
func NewReader(r io.Reader, updates chan<- v1.Update) io.Reader {
	return &reader{inner: r, updates: updates}
}

type reader struct {
	inner    io.Reader
	updates  chan<- v1.Update
	complete int64
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.complete += int64(n)
		if r.updates != nil {
			select {
			case r.updates <- v1.Update{Complete: r.complete}:
			default: // Never block the transfer on a slow consumer.
			}
		}
	}
	return n, err
}
