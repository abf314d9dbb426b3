package store

import "fmt"

// ChecksumError indicates a blob whose content did not match the digest in
// its filename even after one redownload.
type ChecksumError struct {
	Path string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for blob %q", e.Path)
}

// EscapeError indicates a deletion target resolving outside the store root.
// Reclamation never follows links out of the store, so a crafted symlink
// cannot be used to delete arbitrary files.
type EscapeError struct {
	Path string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("path %q escapes the store root", e.Path)
}
