package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelpack/mstore/pkg/download"
	"github.com/modelpack/mstore/pkg/gguf"
)

// fakeDownloader serves canned responses per URL. Each Download pops the
// next response for its URL; URLs with no responses yield a 404.
type fakeDownloader struct {
	responses map[string][]string
	calls     []string
}

func (d *fakeDownloader) Download(_ context.Context, req download.Request) error {
	d.calls = append(d.calls, req.URL)
	queue := d.responses[req.URL]
	if len(queue) == 0 {
		return &download.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	content := queue[0]
	if len(queue) > 1 {
		d.responses[req.URL] = queue[1:]
	}
	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.DestPath, []byte(content), 0o644)
}

func newTestStore(t *testing.T, d download.Downloader) *Store {
	t.Helper()
	opts := []GlobalOption{}
	if d != nil {
		opts = append(opts, WithDownloader(d))
	}
	return New(t.TempDir(), opts...).Model("ollama", "library", "tinyllama")
}

// remoteFile builds a SnapshotFile whose hash matches the content the fake
// downloader will serve for its URL.
func remoteFile(url, content, name string, fileType FileType) SnapshotFile {
	return SnapshotFile{
		URL:      url,
		Hash:     digest.FromString(content).String(),
		Name:     name,
		Type:     fileType,
		Required: true,
	}
}

func TestNewSnapshotRoundTrip(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model":  {"fake model weights"},
		"https://example.com/params": {`{"temperature":0.7}`},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{
		remoteFile("https://example.com/model", "fake model weights", "model.gguf", FileTypeGGUFModel),
		remoteFile("https://example.com/params", `{"temperature":0.7}`, "params.json", FileTypeOther),
	}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	hash, cached, complete, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.Equal(t, "snap1", hash)
	assert.ElementsMatch(t, []string{"model.gguf", "params.json"}, cached)
	assert.True(t, complete)

	got, err := os.ReadFile(s.SnapshotFilePath("snap1", "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "fake model weights", string(got))

	target, err := os.Readlink(s.SnapshotFilePath("snap1", "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", "blobs", sanitizeHash(files[0].Hash)), target,
		"snapshot links must be relative")
}

func TestNewSnapshotSanitizesHashes(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "sha256:snap", files))

	hash, _, _, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256-snap", hash)
	assert.DirExists(t, filepath.Join(s.SnapshotsDirectory(), "sha256-snap"))

	entries, err := os.ReadDir(s.BlobsDirectory())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ":")
	}
}

func TestNewSnapshotReusesCachedBlobs(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "v1", "snap1", files))
	require.NoError(t, s.NewSnapshot(context.Background(), "v2", "snap2", files))

	assert.Len(t, d.calls, 1, "second snapshot must reuse the cached blob")
}

func TestNewSnapshotOptionalFileDropped(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	optional := remoteFile("https://example.com/missing", "never arrives", "extra.json", FileTypeOther)
	optional.Required = false
	files := []SnapshotFile{
		remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther),
		optional,
	}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	_, cached, complete, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"model.gguf"}, cached)
	assert.True(t, complete, "dropped optional files must not count against completeness")
}

func TestNewSnapshotRequiredFileMissingRollsBack(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	err := s.NewSnapshot(context.Background(), "latest", "snap1", files)
	require.Error(t, err)
	assert.True(t, download.NotFound(err))

	_, _, _, err = s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.NoFileExists(t, s.RefFilePath("latest"))
	assert.NoDirExists(t, s.SnapshotDirectory("snap1"))
}

func TestNewSnapshotChecksumRetry(t *testing.T) {
	const content = "good weights"
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"corrupted", content},
	}}
	s := newTestStore(t, d)

	file := remoteFile("https://example.com/model", content, "model.gguf", FileTypeOther)
	file.ShouldVerifyChecksum = true
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", []SnapshotFile{file}))

	assert.Len(t, d.calls, 2, "a checksum mismatch must trigger exactly one retry")
	got, err := os.ReadFile(s.BlobPath(file.Hash))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestNewSnapshotChecksumFailureRollsBack(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"corrupted", "still corrupted"},
	}}
	s := newTestStore(t, d)

	file := remoteFile("https://example.com/model", "expected content", "model.gguf", FileTypeOther)
	file.ShouldVerifyChecksum = true
	err := s.NewSnapshot(context.Background(), "latest", "snap1", []SnapshotFile{file})
	require.Error(t, err)

	var checksumErr *ChecksumError
	assert.ErrorAs(t, err, &checksumErr)
	assert.NoFileExists(t, s.RefFilePath("latest"))
	assert.NoDirExists(t, s.SnapshotDirectory("snap1"))
}

func TestNewSnapshotRejectsDuplicateChatTemplates(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{})

	files := []SnapshotFile{
		NewLocalSnapshotFile("{% if a %}{% endif %}", "a", FileTypeChatTemplate),
		NewLocalSnapshotFile("{% if b %}{% endif %}", "b", FileTypeChatTemplate),
	}
	require.Error(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))
}

// ggufFile builds a tensor-less little-endian GGUF v3 payload with the
// given string metadata.
func ggufFile(t *testing.T, metadata map[string]string) string {
	t.Helper()
	le := binary.LittleEndian

	var buf bytes.Buffer
	buf.WriteString("GGUF")
	require.NoError(t, binary.Write(&buf, le, uint32(3)))
	require.NoError(t, binary.Write(&buf, le, uint64(0)))
	require.NoError(t, binary.Write(&buf, le, uint64(len(metadata))))
	writeString := func(s string) {
		require.NoError(t, binary.Write(&buf, le, uint64(len(s))))
		buf.WriteString(s)
	}
	for key, value := range metadata {
		writeString(key)
		require.NoError(t, binary.Write(&buf, le, uint32(8)))
		writeString(value)
	}
	return buf.String()
}

func TestNewSnapshotDerivesEmbeddedChatTemplate(t *testing.T) {
	if gguf.NativeByteOrder() != gguf.LittleEndian {
		t.Skip("test fixture is little-endian")
	}

	model := ggufFile(t, map[string]string{
		"general.architecture":    "llama",
		"tokenizer.chat_template": "{{ if .System }}{{ .System }}{{ end }}",
	})
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {model},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", model, "model.gguf", FileTypeGGUFModel)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	ref, err := s.loadRefFile("latest")
	require.NoError(t, err)
	require.NotNil(t, ref)

	// The verbatim Go template is kept as an ordinary file, the conversion
	// becomes the usable chat template.
	templates := ref.ChatTemplates()
	require.Len(t, templates, 1)
	assert.Equal(t, "chat_template_converted", templates[0].Name)

	converted, err := os.ReadFile(s.SnapshotFilePath("snap1", "chat_template_converted"))
	require.NoError(t, err)
	assert.Equal(t, "{% if system %}{{ system }}{% endif %}", string(converted))

	extracted, err := os.ReadFile(s.SnapshotFilePath("snap1", "chat_template_extracted"))
	require.NoError(t, err)
	assert.Equal(t, "{{ if .System }}{{ .System }}{{ end }}", string(extracted))
}

func TestNewSnapshotKeepsJinjaChatTemplate(t *testing.T) {
	const tmpl = "{% for message in messages %}{{ message['content'] }}{% endfor %}"
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/template": {tmpl},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/template", tmpl, "chat_template", FileTypeChatTemplate)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	ref, err := s.loadRefFile("latest")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Len(t, ref.ChatTemplates(), 1, "a Jinja template needs no conversion")
}

func TestNewSnapshotEndianMismatchRollsBack(t *testing.T) {
	if gguf.NativeByteOrder() != gguf.LittleEndian {
		t.Skip("test fixture assumes a little-endian host")
	}

	var buf bytes.Buffer
	buf.WriteString("GGUF")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(3)))
	model := buf.String()

	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {model},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", model, "model.gguf", FileTypeGGUFModel)}
	err := s.NewSnapshot(context.Background(), "latest", "snap1", files)
	require.Error(t, err)

	var mismatch *gguf.EndianMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, gguf.LittleEndian, mismatch.Host)
	assert.Equal(t, gguf.BigEndian, mismatch.Model)

	assert.NoFileExists(t, s.RefFilePath("latest"))
	assert.NoDirExists(t, s.SnapshotDirectory("snap1"))
	assert.NoFileExists(t, s.BlobPath(files[0].Hash))
}

func TestUpdateSnapshot(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
		"https://example.com/lora":  {"adapter"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	extra := []SnapshotFile{remoteFile("https://example.com/lora", "adapter", "adapter.bin", FileTypeOther)}
	updated, err := s.UpdateSnapshot(context.Background(), "latest", "snap1", extra)
	require.NoError(t, err)
	assert.True(t, updated)

	_, cached, complete, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"model.gguf", "adapter.bin"}, cached)
	assert.True(t, complete)

	// Re-adding the same content hash must not duplicate the ref entry.
	updated, err = s.UpdateSnapshot(context.Background(), "latest", "snap1", extra)
	require.NoError(t, err)
	assert.True(t, updated)
	ref, err := s.loadRefFile("latest")
	require.NoError(t, err)
	assert.Len(t, ref.Files, 2)
}

func TestUpdateSnapshotMissingTag(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{})

	updated, err := s.UpdateSnapshot(context.Background(), "missing", "snap1", nil)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestRemoveSnapshot(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	removed, err := s.RemoveSnapshot("latest")
	require.NoError(t, err)
	assert.True(t, removed)

	assert.NoFileExists(t, s.RefFilePath("latest"))
	assert.NoDirExists(t, s.SnapshotDirectory("snap1"))
	assert.NoFileExists(t, s.BlobPath(files[0].Hash))

	// Removal is idempotent.
	removed, err = s.RemoveSnapshot("latest")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveSnapshotMissingTag(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{})

	removed, err := s.RemoveSnapshot("never-pulled")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveSnapshotKeepsSharedContent(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "v1", "snap1", files))
	require.NoError(t, s.NewSnapshot(context.Background(), "v2", "snap2", files))

	removed, err := s.RemoveSnapshot("v1")
	require.NoError(t, err)
	assert.True(t, removed)

	// v2 still references the same content.
	assert.FileExists(t, s.BlobPath(files[0].Hash))
	_, cached, complete, err := s.GetCachedFiles("v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"model.gguf"}, cached)
	assert.True(t, complete)

	removed, err = s.RemoveSnapshot("v2")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, s.BlobPath(files[0].Hash))
}

func TestRemoveSnapshotKeepsSharedSnapshotDirectory(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))
	require.NoError(t, s.NewSnapshot(context.Background(), "stable", "snap1", files))

	removed, err := s.RemoveSnapshot("latest")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.DirExists(t, s.SnapshotDirectory("snap1"))

	removed, err = s.RemoveSnapshot("stable")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, s.SnapshotDirectory("snap1"))
}

func TestRemoveSnapshotRefusesEscapingLinks(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}})

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	// Replace the snapshot link with one pointing outside the store.
	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("precious"), 0o644))
	linkPath := s.SnapshotFilePath("snap1", "model.gguf")
	require.NoError(t, os.Remove(linkPath))
	require.NoError(t, os.Symlink(outside, linkPath))

	removed, err := s.RemoveSnapshot("latest")
	require.NoError(t, err)
	assert.True(t, removed, "removal proceeds, skipping the suspect blob")
	assert.FileExists(t, outside, "files outside the store must never be deleted")
}

func TestGetCachedFilesIncomplete(t *testing.T) {
	d := &fakeDownloader{responses: map[string][]string{
		"https://example.com/model": {"weights"},
	}}
	s := newTestStore(t, d)

	files := []SnapshotFile{remoteFile("https://example.com/model", "weights", "model.gguf", FileTypeOther)}
	require.NoError(t, s.NewSnapshot(context.Background(), "latest", "snap1", files))

	// Simulate a blob lost to manual cleanup.
	require.NoError(t, os.Remove(s.BlobPath(files[0].Hash)))

	hash, cached, complete, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.Equal(t, "snap1", hash)
	assert.Empty(t, cached)
	assert.False(t, complete)
}

func TestLegacyRefFileMigration(t *testing.T) {
	s := newTestStore(t, &fakeDownloader{})
	require.NoError(t, s.ensureDirectorySetup())

	content := "legacy weights"
	blobName := sanitizeHash(digest.FromString(content).String())
	require.NoError(t, os.WriteFile(filepath.Join(s.BlobsDirectory(), blobName), []byte(content), 0o644))

	snapshotDir := s.SnapshotDirectory("legacysnap")
	require.NoError(t, os.MkdirAll(snapshotDir, 0o755))
	require.NoError(t, os.Symlink(
		filepath.Join("..", "..", "blobs", blobName),
		filepath.Join(snapshotDir, "model.gguf")))

	legacy := "legacysnap\nmodel.gguf---model\nnotes.txt\n"
	require.NoError(t, os.WriteFile(s.legacyRefFilePath("latest"), []byte(legacy), 0o644))

	hash, cached, complete, err := s.GetCachedFiles("latest")
	require.NoError(t, err)
	assert.Equal(t, "legacysnap", hash)
	assert.Equal(t, []string{"model.gguf"}, cached)
	assert.False(t, complete, "the unlinked legacy entry has no blob")

	// The read migrated the ref in place.
	assert.NoFileExists(t, s.legacyRefFilePath("latest"))
	ref, err := readRefFile(s.RefFilePath("latest"))
	require.NoError(t, err)
	assert.Equal(t, "legacysnap", ref.Hash)
	require.Len(t, ref.Files, 2)
	assert.Equal(t, blobName, ref.Files[0].Hash)
	assert.Equal(t, FileTypeGGUFModel, ref.Files[0].Type)
	assert.Equal(t, FileTypeOther, ref.Files[1].Type)
}
