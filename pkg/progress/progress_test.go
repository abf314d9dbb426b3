package progress

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMessages(t *testing.T, out string) []Message {
	t.Helper()
	var msgs []Message
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestReporter(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, "sha256-abc", 100)

	updates := r.Updates()
	updates <- v1.Update{Complete: 50}
	close(updates)
	require.NoError(t, r.Wait())

	msgs := decodeMessages(t, out.String())
	require.NotEmpty(t, msgs)
	assert.Equal(t, "progress", msgs[0].Type)
	assert.Equal(t, uint64(100), msgs[0].Total)
	assert.Equal(t, uint64(50), msgs[0].Pulled)
	assert.Equal(t, "sha256-abc", msgs[0].Blob.Hash)
}

func TestReporterNilWriter(t *testing.T) {
	r := NewReporter(nil, "sha256-abc", 0)
	updates := r.Updates()
	updates <- v1.Update{Complete: 10}
	close(updates)
	assert.NoError(t, r.Wait())
}

func TestReader(t *testing.T) {
	updates := make(chan v1.Update, 16)
	r := NewReader(strings.NewReader("some data"), updates)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "some data", string(data))
	close(updates)

	var last v1.Update
	for u := range updates {
		last = u
	}
	assert.Equal(t, int64(len("some data")), last.Complete)
}

func TestWriteSuccessAndError(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteSuccess(&out, "done"))
	require.NoError(t, WriteError(&out, "failed"))

	msgs := decodeMessages(t, out.String())
	require.Len(t, msgs, 2)
	assert.Equal(t, "success", msgs[0].Type)
	assert.Equal(t, "done", msgs[0].Message)
	assert.Equal(t, "error", msgs[1].Type)
	assert.Equal(t, "failed", msgs[1].Message)
}
