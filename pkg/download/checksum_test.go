package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("blob content")
	name := "sha256-" + digest.FromBytes(content).Encoded()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ok, err := VerifyChecksum(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	name := "sha256-" + digest.FromString("expected content").Encoded()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("different content"), 0o644))

	ok, err := VerifyChecksum(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChecksumMissingFile(t *testing.T) {
	name := "sha256-" + digest.FromString("anything").Encoded()
	ok, err := VerifyChecksum(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChecksumBadFilename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain-name")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := VerifyChecksum(path)
	require.Error(t, err)

	path = filepath.Join(t.TempDir(), "sha256-tooshort")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err = VerifyChecksum(path)
	require.Error(t, err)
}
