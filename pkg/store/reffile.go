package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// RefFileVersion is the current version of the ref file schema.
const RefFileVersion = "v1.0"

// FileType classifies the files referenced by a snapshot.
type FileType string

const (
	FileTypeGGUFModel    FileType = "gguf"
	FileTypeMmproj       FileType = "mmproj"
	FileTypeChatTemplate FileType = "chat_template"
	FileTypeOther        FileType = "other"
)

// FileTypeFromString maps a serialized type back to a FileType. Unknown
// values degrade to FileTypeOther.
func FileTypeFromString(s string) FileType {
	switch FileType(s) {
	case FileTypeGGUFModel, FileTypeMmproj, FileTypeChatTemplate:
		return FileType(s)
	default:
		return FileTypeOther
	}
}

// StoreFile is one content-addressed member of a snapshot.
type StoreFile struct {
	Hash string   `json:"hash"`
	Name string   `json:"name"`
	Type FileType `json:"type"`
}

// RefFile is the durable record binding one tag to a snapshot hash and its
// member files. A tag exists iff its ref file exists; blobs and snapshot
// directories are reclaimed separately.
//
// Fields are declared in key order so the serialized JSON is key-sorted.
type RefFile struct {
	Files   []StoreFile `json:"files"`
	Hash    string      `json:"hash"`
	Path    string      `json:"path"`
	Version string      `json:"version"`
}

// ModelFiles returns the GGUF model files listed in the ref.
func (r *RefFile) ModelFiles() []StoreFile {
	return r.filesOfType(FileTypeGGUFModel)
}

// ChatTemplates returns the chat template files listed in the ref.
func (r *RefFile) ChatTemplates() []StoreFile {
	return r.filesOfType(FileTypeChatTemplate)
}

// MmprojFiles returns the multimodal projector files listed in the ref.
func (r *RefFile) MmprojFiles() []StoreFile {
	return r.filesOfType(FileTypeMmproj)
}

func (r *RefFile) filesOfType(t FileType) []StoreFile {
	var files []StoreFile
	for _, f := range r.Files {
		if f.Type == t {
			files = append(files, f)
		}
	}
	return files
}

// RemoveFile removes the first file with the given content hash.
func (r *RefFile) RemoveFile(hash string) {
	for i, f := range r.Files {
		if f.Hash == hash {
			r.Files = append(r.Files[:i], r.Files[i+1:]...)
			return
		}
	}
}

// ContainsHash reports whether the ref already lists a file with the given
// content hash.
func (r *RefFile) ContainsHash(hash string) bool {
	for _, f := range r.Files {
		if f.Hash == hash {
			return true
		}
	}
	return false
}

// Write persists the ref as indented JSON at its path.
func (r *RefFile) Write() error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ref file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("create refs directory: %w", err)
	}
	f, err := os.Create(r.Path)
	if err != nil {
		return fmt.Errorf("create ref file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write ref file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush ref file: %w", err)
	}
	return nil
}

// readRefFile loads a JSON ref file from path.
func readRefFile(path string) (*RefFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ref file: %w", err)
	}
	var ref RefFile
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("unmarshal ref file: %w", err)
	}
	ref.Path = path
	for i := range ref.Files {
		ref.Files[i].Type = FileTypeFromString(string(ref.Files[i].Type))
	}
	return &ref, nil
}

// Legacy ref format: line 1 is the snapshot hash, each following line is a
// filename, optionally suffixed with "---model", "---chat" or "---mmproj".
const (
	legacySep          = "---"
	legacyModelSuffix  = "model"
	legacyChatSuffix   = "chat"
	legacyMmprojSuffix = "mmproj"
)

// legacyRefFile is the parsed form of the old text format.
type legacyRefFile struct {
	hash  string
	names []string
	types map[string]FileType
}

func readLegacyRefFile(path string) (*legacyRefFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy ref file: %w", err)
	}
	defer f.Close()

	ref := &legacyRefFile{types: make(map[string]FileType)}
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			ref.hash = line
			first = false
			continue
		}
		name, suffix, found := strings.Cut(line, legacySep)
		ref.names = append(ref.names, name)
		if !found {
			ref.types[name] = FileTypeOther
			continue
		}
		switch suffix {
		case legacyModelSuffix:
			ref.types[name] = FileTypeGGUFModel
		case legacyChatSuffix:
			ref.types[name] = FileTypeChatTemplate
		case legacyMmprojSuffix:
			ref.types[name] = FileTypeMmproj
		default:
			ref.types[name] = FileTypeOther
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read legacy ref file: %w", err)
	}
	return ref, nil
}

// migrateRefFile converts a legacy text ref file into the JSON format,
// persists the result next to it and deletes the legacy file. Blob hashes
// are recovered from the snapshot symlinks; a missing link falls back to a
// synthesized digest of the filename so that the entry stays addressable.
func migrateRefFile(legacyPath, jsonPath, snapshotsDir string) (*RefFile, error) {
	legacy, err := readLegacyRefFile(legacyPath)
	if err != nil {
		return nil, err
	}

	ref := &RefFile{
		Hash:    legacy.hash,
		Path:    jsonPath,
		Version: RefFileVersion,
	}
	snapshotDir := filepath.Join(snapshotsDir, sanitizeHash(legacy.hash))
	for _, name := range legacy.names {
		var hash string
		if target, err := os.Readlink(filepath.Join(snapshotDir, name)); err == nil {
			hash = filepath.Base(target)
		} else {
			hash = digest.FromString(name).String()
		}
		ref.Files = append(ref.Files, StoreFile{
			Hash: hash,
			Name: name,
			Type: legacy.types[name],
		})
	}

	if err := ref.Write(); err != nil {
		return nil, fmt.Errorf("write migrated ref file: %w", err)
	}
	if err := os.Remove(legacyPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove legacy ref file: %w", err)
	}
	return ref, nil
}

// sanitizeHash makes a hash safe for use as a path element. Hashes may
// arrive in the "sha256:<hex>" form.
func sanitizeHash(hash string) string {
	return strings.ReplaceAll(hash, ":", "-")
}
