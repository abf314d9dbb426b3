package download

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// VerifyChecksum checks a blob against the digest embedded in its filename.
// Blob filenames carry their expected content digest as either
// "sha256:<hex>" or the filesystem-safe "sha256-<hex>" form.
func VerifyChecksum(path string) (bool, error) {
	expected, err := digestFromFilename(filepath.Base(path))
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return false, fmt.Errorf("hash blob contents: %w", err)
	}
	return verifier.Verified(), nil
}

// digestFromFilename parses the expected digest out of a blob filename.
func digestFromFilename(name string) (digest.Digest, error) {
	var encoded string
	switch {
	case strings.HasPrefix(name, "sha256:"):
		encoded = strings.TrimPrefix(name, "sha256:")
	case strings.HasPrefix(name, "sha256-"):
		encoded = strings.TrimPrefix(name, "sha256-")
	default:
		return "", fmt.Errorf("blob filename must start with 'sha256:' or 'sha256-': %q", name)
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, encoded)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest in blob filename %q: %w", name, err)
	}
	return d, nil
}
