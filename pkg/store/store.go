// Package store implements the content-addressable model store: deduplicated
// blobs, symlink-populated snapshots, and tag-to-snapshot ref files, with
// refcounted reclamation across tags sharing content.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/modelpack/mstore/pkg/download"
	"github.com/modelpack/mstore/pkg/gguf"
	"github.com/modelpack/mstore/pkg/template"
)

const (
	blobsDir     = "blobs"
	refsDir      = "refs"
	snapshotsDir = "snapshots"

	partialSuffix = ".partial"
	refSuffix     = ".json"
	lockSuffix    = ".lock"

	// Names given to chat template files the store derives itself.
	extractedTemplateName = "chat_template_extracted"
	convertedTemplateName = "chat_template_converted"
)

// Store owns all mutation of one (type, organization, name) namespace.
//
// Operations are synchronous: downloads within a snapshot run strictly
// sequentially and every method performs blocking I/O on the calling
// goroutine. Concurrent calls for the same tag are serialized through an
// advisory file lock; callers wanting cross-tag coordination must provide
// their own.
type Store struct {
	global       *Global
	name         string
	modelType    string
	organization string
	downloader   download.Downloader
	log          *logrus.Entry
}

// BasePath returns the shared store root.
func (s *Store) BasePath() string {
	return s.global.Path()
}

// Name returns the model name of this namespace.
func (s *Store) Name() string {
	return s.name
}

// Organization returns the namespace organization, defaulting to the model
// name when none was given.
func (s *Store) Organization() string {
	if s.organization == "" {
		return s.name
	}
	return s.organization
}

// Type returns the model type (the pull scheme, e.g. "ollama" or "file").
func (s *Store) Type() string {
	return s.modelType
}

// BaseDirectory returns the root of this namespace.
func (s *Store) BaseDirectory() string {
	return filepath.Join(s.BasePath(), s.Type(), s.Organization(), s.Name())
}

// BlobsDirectory returns the namespace's blob directory.
func (s *Store) BlobsDirectory() string {
	return filepath.Join(s.BaseDirectory(), blobsDir)
}

// RefsDirectory returns the namespace's ref file directory.
func (s *Store) RefsDirectory() string {
	return filepath.Join(s.BaseDirectory(), refsDir)
}

// SnapshotsDirectory returns the namespace's snapshot directory.
func (s *Store) SnapshotsDirectory() string {
	return filepath.Join(s.BaseDirectory(), snapshotsDir)
}

// RefFilePath returns the path of the ref file for a tag.
func (s *Store) RefFilePath(tag string) string {
	return filepath.Join(s.RefsDirectory(), tag+refSuffix)
}

// legacyRefFilePath returns the extension-less path of the old text format.
func (s *Store) legacyRefFilePath(tag string) string {
	return filepath.Join(s.RefsDirectory(), tag)
}

func (s *Store) tagLockPath(tag string) string {
	return filepath.Join(s.RefsDirectory(), tag+lockSuffix)
}

// BlobPath returns the path of the blob with the given content hash.
func (s *Store) BlobPath(hash string) string {
	return filepath.Join(s.BlobsDirectory(), sanitizeHash(hash))
}

// PartialBlobPath returns the path of an in-flight download for a hash.
func (s *Store) PartialBlobPath(hash string) string {
	return s.BlobPath(hash) + partialSuffix
}

// SnapshotDirectory returns the directory of one snapshot.
func (s *Store) SnapshotDirectory(snapshotHash string) string {
	return filepath.Join(s.SnapshotsDirectory(), sanitizeHash(snapshotHash))
}

// SnapshotFilePath returns the path of one logical file inside a snapshot.
func (s *Store) SnapshotFilePath(snapshotHash, name string) string {
	return filepath.Join(s.SnapshotDirectory(snapshotHash), name)
}

func (s *Store) ensureDirectorySetup() error {
	for _, dir := range []string{s.BlobsDirectory(), s.RefsDirectory(), s.SnapshotsDirectory()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory %q: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) directorySetupExists() bool {
	for _, dir := range []string{s.BlobsDirectory(), s.RefsDirectory(), s.SnapshotsDirectory()} {
		if _, err := os.Stat(dir); err != nil {
			return false
		}
	}
	return true
}

// loadRefFile returns the ref file for a tag, or nil when the tag does not
// exist. A legacy text-format ref is migrated to the JSON format as a side
// effect of the read.
func (s *Store) loadRefFile(tag string) (*RefFile, error) {
	legacyPath := s.legacyRefFilePath(tag)
	if _, err := os.Stat(legacyPath); err == nil {
		ref, err := migrateRefFile(legacyPath, s.RefFilePath(tag), s.SnapshotsDirectory())
		if err != nil {
			return nil, fmt.Errorf("migrate ref file for tag %q: %w", tag, err)
		}
		return ref, nil
	}

	jsonPath := s.RefFilePath(tag)
	if _, err := os.Stat(jsonPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat ref file: %w", err)
	}
	return readRefFile(jsonPath)
}

// GetCachedFiles reports which of a tag's files are already materialized as
// blobs. A missing tag yields an empty hash and complete == false.
func (s *Store) GetCachedFiles(tag string) (string, []string, bool, error) {
	ref, err := s.loadRefFile(tag)
	if err != nil {
		return "", nil, false, err
	}
	if ref == nil {
		return "", nil, false, nil
	}

	cached := make([]string, 0, len(ref.Files))
	for _, f := range ref.Files {
		if _, err := os.Stat(s.BlobPath(f.Hash)); err == nil {
			cached = append(cached, f.Name)
		}
	}
	return ref.Hash, cached, len(cached) == len(ref.Files), nil
}

// NewSnapshot materializes a snapshot for a tag: it declares the tag by
// writing its ref file, downloads and verifies every snapshot file, derives
// a chat template when one is embedded in or shipped with the model, and
// checks the model's byte order against the host. Any failure after the
// declaration tears the whole snapshot down again before the error is
// returned, so a failed pull leaves no ref file behind.
func (s *Store) NewSnapshot(ctx context.Context, tag, snapshotHash string, files []SnapshotFile) error {
	lock, err := s.lockTag(tag)
	if err != nil {
		return err
	}
	defer s.unlockTag(lock)

	snapshotHash = sanitizeHash(snapshotHash)

	err = func() error {
		ref, err := s.prepareNewSnapshot(tag, snapshotHash, files)
		if err != nil {
			return err
		}
		if err := s.downloadSnapshotFiles(ctx, ref, snapshotHash, files); err != nil {
			return err
		}
		if err := s.ensureChatTemplate(ctx, ref, snapshotHash, files); err != nil {
			return err
		}
		return s.VerifySnapshot(tag)
	}()
	if err != nil {
		s.log.WithError(err).Error("snapshot creation failed, removing snapshot")
		if _, rmErr := s.removeSnapshot(tag); rmErr != nil {
			s.log.WithError(rmErr).Warn("snapshot rollback incomplete")
		}
		return err
	}
	return nil
}

// prepareNewSnapshot creates the directory layout and, for a previously
// unknown tag, optimistically writes the ref file before any content
// exists. Listings treat such unmaterialized files as partial based on blob
// existence, not ref existence.
func (s *Store) prepareNewSnapshot(tag, snapshotHash string, files []SnapshotFile) (*RefFile, error) {
	if err := validateSnapshotFiles(files); err != nil {
		return nil, err
	}
	if err := s.ensureDirectorySetup(); err != nil {
		return nil, err
	}

	ref, err := s.loadRefFile(tag)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		ref = &RefFile{
			Hash:    snapshotHash,
			Path:    s.RefFilePath(tag),
			Version: RefFileVersion,
		}
		for _, f := range files {
			ref.Files = append(ref.Files, StoreFile{Hash: f.Hash, Name: f.Name, Type: f.Type})
		}
		if err := ref.Write(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(s.SnapshotDirectory(snapshotHash), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return ref, nil
}

// fetchBlob materializes one snapshot file as a blob, either from inline
// content or by download. Existing blobs are reused.
func (s *Store) fetchBlob(ctx context.Context, file SnapshotFile, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		s.log.WithField("name", file.Name).Debug("using cached blob")
		return nil
	}

	if file.local() {
		if err := os.WriteFile(destPath, []byte(file.Content), 0o644); err != nil {
			return fmt.Errorf("write local snapshot file: %w", err)
		}
		return nil
	}

	return s.downloader.Download(ctx, download.Request{
		URL:          file.URL,
		Header:       file.Header,
		DestPath:     destPath,
		ShowProgress: file.ShouldShowProgress,
	})
}

// downloadSnapshotFiles runs the download phase: fetch every file into the
// blob directory, verify checksums where requested (with a single retry),
// and link each file into the snapshot directory. Optional files missing
// upstream are dropped from the ref so later refreshes stop asking for
// them. The possibly trimmed ref is persisted at the end.
func (s *Store) downloadSnapshotFiles(ctx context.Context, ref *RefFile, snapshotHash string, files []SnapshotFile) error {
	for _, file := range files {
		destPath := s.BlobPath(file.Hash)

		if err := s.fetchBlob(ctx, file, destPath); err != nil {
			if !file.Required && download.NotFound(err) {
				// Drop the entry so a retry does not keep asking for a
				// file the remote does not have.
				ref.RemoveFile(file.Hash)
				continue
			}
			return err
		}

		if file.ShouldVerifyChecksum {
			if err := s.verifyBlobChecksum(ctx, file, destPath); err != nil {
				return err
			}
		}

		if err := s.linkSnapshotFile(snapshotHash, file.Name, destPath); err != nil {
			return err
		}
	}

	return ref.Write()
}

// verifyBlobChecksum verifies a downloaded blob, redownloading once on a
// mismatch. A second mismatch is fatal.
func (s *Store) verifyBlobChecksum(ctx context.Context, file SnapshotFile, destPath string) error {
	ok, err := download.VerifyChecksum(destPath)
	if err != nil {
		return fmt.Errorf("verify blob checksum: %w", err)
	}
	if ok {
		return nil
	}

	s.log.WithField("blob", destPath).Info("checksum mismatch, retrying download")
	if err := os.Remove(destPath); err != nil {
		return fmt.Errorf("remove corrupt blob: %w", err)
	}
	if err := s.fetchBlob(ctx, file, destPath); err != nil {
		return err
	}
	ok, err = download.VerifyChecksum(destPath)
	if err != nil {
		return fmt.Errorf("verify blob checksum: %w", err)
	}
	if !ok {
		return &ChecksumError{Path: destPath}
	}
	return nil
}

// linkSnapshotFile creates (or replaces) the snapshot symlink for a logical
// name. Targets are relative to the snapshot directory so a relocated or
// exported tree keeps working.
func (s *Store) linkSnapshotFile(snapshotHash, name, blobPath string) error {
	linkPath := s.SnapshotFilePath(snapshotHash, name)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	target, err := filepath.Rel(s.SnapshotDirectory(snapshotHash), blobPath)
	if err != nil {
		return fmt.Errorf("compute blob link target: %w", err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("create snapshot link: %w", err)
		}
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("replace snapshot link: %w", err)
		}
		if err := os.Symlink(target, linkPath); err != nil {
			return fmt.Errorf("recreate snapshot link: %w", err)
		}
	}
	return nil
}

// UpdateSnapshot extends an existing snapshot with additional files,
// deduplicated by content hash, and downloads only the newly added ones. It
// returns false without error when the tag has no ref file; extending a tag
// that was never created is not a failure the pull flow can act on.
func (s *Store) UpdateSnapshot(ctx context.Context, tag, snapshotHash string, newFiles []SnapshotFile) (bool, error) {
	lock, err := s.lockTag(tag)
	if err != nil {
		return false, err
	}
	defer s.unlockTag(lock)

	ref, err := s.loadRefFile(tag)
	if err != nil {
		return false, err
	}
	if ref == nil {
		s.log.WithField("tag", tag).Warn("no ref file to update")
		return false, nil
	}
	return s.updateSnapshot(ctx, ref, snapshotHash, newFiles)
}

func (s *Store) updateSnapshot(ctx context.Context, ref *RefFile, snapshotHash string, newFiles []SnapshotFile) (bool, error) {
	if err := validateSnapshotFiles(newFiles); err != nil {
		return false, err
	}
	snapshotHash = sanitizeHash(snapshotHash)

	if !s.directorySetupExists() {
		return false, nil
	}

	for _, f := range newFiles {
		if ref.ContainsHash(f.Hash) {
			continue
		}
		ref.Files = append(ref.Files, StoreFile{Hash: f.Hash, Name: f.Name, Type: f.Type})
	}
	if err := ref.Write(); err != nil {
		return false, err
	}

	if err := s.downloadSnapshotFiles(ctx, ref, snapshotHash, newFiles); err != nil {
		return false, err
	}
	return true, nil
}

// ensureChatTemplate derives a usable Jinja chat template for the files just
// processed. An explicitly shipped template takes precedence; otherwise the
// template embedded in the GGUF model's metadata is extracted. Go-dialect
// templates are converted; conversion failures are logged and never abort
// the snapshot.
func (s *Store) ensureChatTemplate(ctx context.Context, ref *RefFile, snapshotHash string, files []SnapshotFile) error {
	for _, f := range files {
		if f.Type != FileTypeChatTemplate {
			continue
		}
		// An explicitly shipped template always wins over extraction.
		content, err := os.ReadFile(s.BlobPath(f.Hash))
		if err != nil {
			s.log.WithError(err).Debug("failed to read chat template blob")
			return nil
		}
		if !template.IsGoTemplate(string(content)) {
			// Already Jinja, usable as-is.
			return nil
		}
		converted, err := template.GoToJinja(string(content))
		if err != nil {
			s.log.WithError(err).Debug("failed to convert chat template")
			return nil
		}
		_, err = s.updateSnapshot(ctx, ref, snapshotHash, []SnapshotFile{
			NewLocalSnapshotFile(converted, convertedTemplateName, FileTypeChatTemplate),
		})
		return err
	}

	tmpl := s.embeddedChatTemplate(files)
	if tmpl == "" {
		return nil
	}

	if !template.IsGoTemplate(tmpl) {
		_, err := s.updateSnapshot(ctx, ref, snapshotHash, []SnapshotFile{
			NewLocalSnapshotFile(tmpl, extractedTemplateName, FileTypeChatTemplate),
		})
		return err
	}

	// A raw Go template is not directly usable by the supported backends,
	// so the verbatim copy is stored as an ordinary file and only the
	// conversion is typed as a chat template.
	derived := []SnapshotFile{NewLocalSnapshotFile(tmpl, extractedTemplateName, FileTypeOther)}
	if converted, err := template.GoToJinja(tmpl); err != nil {
		s.log.WithError(err).Debug("failed to convert embedded chat template")
	} else {
		derived = append(derived, NewLocalSnapshotFile(converted, convertedTemplateName, FileTypeChatTemplate))
	}
	_, err := s.updateSnapshot(ctx, ref, snapshotHash, derived)
	return err
}

// embeddedChatTemplate extracts the chat template from the first GGUF model
// file, if any. Parse failures only disable derivation.
func (s *Store) embeddedChatTemplate(files []SnapshotFile) string {
	for _, f := range files {
		if f.Type != FileTypeGGUFModel {
			continue
		}
		path := s.BlobPath(f.Hash)
		if !gguf.IsGGUF(path) {
			return ""
		}
		tmpl, err := gguf.ChatTemplate(path)
		if err != nil {
			s.log.WithError(err).Debug("failed to parse gguf metadata")
			return ""
		}
		return tmpl
	}
	return ""
}

// VerifySnapshot checks every GGUF model file's byte order against the
// host and runs the global store's consistency check.
func (s *Store) VerifySnapshot(tag string) error {
	if err := s.verifyEndianness(tag); err != nil {
		return err
	}
	return s.global.VerifySnapshot()
}

func (s *Store) verifyEndianness(tag string) error {
	ref, err := s.loadRefFile(tag)
	if err != nil || ref == nil {
		return err
	}

	for _, f := range ref.ModelFiles() {
		path := s.BlobPath(f.Hash)
		if !gguf.IsGGUF(path) {
			return nil
		}
		modelOrder, err := gguf.FileByteOrder(path)
		if err != nil {
			return err
		}
		if hostOrder := gguf.NativeByteOrder(); hostOrder != modelOrder {
			return &gguf.EndianMismatchError{Host: hostOrder, Model: modelOrder}
		}
	}
	return nil
}

// RemoveSnapshot removes a tag and reclaims whatever content no other tag in
// the namespace still references. Blob refcounts are keyed by logical
// filename across all ref files; the snapshot directory falls when no other
// tag shares the snapshot hash. Reclamation is best-effort: individual
// deletion failures are logged, the ref file itself is always removed, and
// the call reports true whenever the tag existed.
func (s *Store) RemoveSnapshot(tag string) (bool, error) {
	lock, err := s.lockTag(tag)
	if err != nil {
		return false, err
	}
	defer s.unlockTag(lock)

	return s.removeSnapshot(tag)
}

func (s *Store) removeSnapshot(tag string) (bool, error) {
	ref, err := s.loadRefFile(tag)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, nil
	}

	snapshotRefcount, blobRefcounts, err := s.refcounts(ref.Hash)
	if err != nil {
		return false, err
	}

	for _, f := range ref.Files {
		if count := blobRefcounts[f.Name]; count > 1 {
			s.log.WithFields(logrus.Fields{"name": f.Name, "refcount": count}).
				Debug("not removing shared blob")
			continue
		}
		if err := s.removeBlobFile(s.SnapshotFilePath(ref.Hash, f.Name)); err != nil {
			s.log.WithError(err).WithField("name", f.Name).Warn("failed to remove blob")
		}
	}

	if snapshotRefcount <= 1 {
		// Stray partials are only tracked per snapshot hash; blob-hash
		// keyed partials are reported by listing until a later sweep.
		if err := s.removeBlobFile(s.PartialBlobPath(ref.Hash)); err != nil {
			s.log.WithError(err).Debug("failed to remove partial blob")
		}
		if err := os.RemoveAll(s.SnapshotDirectory(ref.Hash)); err != nil {
			s.log.WithError(err).Warn("failed to remove snapshot directory")
		}
	} else {
		s.log.WithFields(logrus.Fields{"hash": ref.Hash, "refcount": snapshotRefcount}).
			Debug("not removing shared snapshot directory")
	}

	if err := os.Remove(s.RefFilePath(tag)); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove ref file: %w", err)
	}
	return true, nil
}

// refcounts enumerates every ref file in the namespace and counts, per
// logical filename, how many refs mention it, plus how many refs share the
// given snapshot hash.
func (s *Store) refcounts(snapshotHash string) (int, map[string]int, error) {
	entries, err := os.ReadDir(s.RefsDirectory())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("read refs directory: %w", err)
	}

	blobRefcounts := make(map[string]int)
	snapshotRefcount := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		tag := strings.TrimSuffix(entry.Name(), refSuffix)
		ref, err := s.loadRefFile(tag)
		if err != nil || ref == nil {
			continue
		}
		for _, f := range ref.Files {
			blobRefcounts[f.Name]++
		}
		if ref.Hash == snapshotHash {
			snapshotRefcount++
		}
	}
	return snapshotRefcount, blobRefcounts, nil
}

// removeBlobFile deletes the blob a snapshot file resolves to. Deletion is
// refused for paths resolving outside the store root.
func (s *Store) removeBlobFile(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("resolve blob path: %w", err)
	}

	root, err := filepath.Abs(s.BasePath())
	if err != nil {
		return fmt.Errorf("resolve store root: %w", err)
	}
	if rootResolved, err := filepath.EvalSymlinks(root); err == nil {
		root = rootResolved
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return &EscapeError{Path: resolved}
	}

	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	s.log.WithField("path", path).Debug("removed blob")
	return nil
}
