package store

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// SnapshotFile describes one file a snapshot should be materialized from.
// Files either come from a remote URL or, for store-generated artifacts like
// derived chat templates, carry their content inline.
type SnapshotFile struct {
	URL    string
	Header map[string]string
	Hash   string
	Name   string
	Type   FileType

	Required             bool
	ShouldShowProgress   bool
	ShouldVerifyChecksum bool

	// Content holds inline file data. When set, the file is written
	// directly instead of being downloaded.
	Content string
}

// local reports whether the file carries inline content.
func (f SnapshotFile) local() bool {
	return f.Content != ""
}

// NewLocalSnapshotFile creates a SnapshotFile from inline content, addressed
// by the content's digest.
func NewLocalSnapshotFile(content, name string, fileType FileType) SnapshotFile {
	return SnapshotFile{
		Hash:     digest.FromString(content).String(),
		Name:     name,
		Type:     fileType,
		Required: true,
		Content:  content,
	}
}

// validateSnapshotFiles enforces the per-snapshot conventions: at most one
// chat template and at most one multimodal projector.
func validateSnapshotFiles(files []SnapshotFile) error {
	var chatTemplates, mmprojs int
	for _, f := range files {
		switch f.Type {
		case FileTypeChatTemplate:
			chatTemplates++
		case FileTypeMmproj:
			mmprojs++
		}
	}
	if chatTemplates > 1 {
		return fmt.Errorf("only one chat template supported, got %d", chatTemplates)
	}
	if mmprojs > 1 {
		return fmt.Errorf("only one mmproj supported, got %d", mmprojs)
	}
	return nil
}
