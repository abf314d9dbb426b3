package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelpack/mstore/pkg/archive"
	"github.com/modelpack/mstore/pkg/download"
)

// storeDirectory is the subdirectory of the base path that holds all
// namespaces, keeping the store's tree separate from sibling state a caller
// may keep under the same base.
const storeDirectory = "store"

// EngineModel is a model reported by a container engine rather than by the
// store itself.
type EngineModel struct {
	Name string
}

// EngineLister enumerates models known to an external container engine, so
// listings can show engine-managed models alongside store-managed ones.
type EngineLister interface {
	ListModels(ctx context.Context) ([]EngineModel, error)
}

// ModelFile is one file of a listed model.
type ModelFile struct {
	Name     string
	Modified time.Time
	Size     int64

	// IsPartial marks a file whose download is still in flight.
	IsPartial bool
}

// ModelInfo is one tagged model in a listing.
type ModelInfo struct {
	Name  string
	Files []ModelFile
}

// Modified returns the newest modification time across the model's files.
func (m ModelInfo) Modified() time.Time {
	var newest time.Time
	for _, f := range m.Files {
		if f.Modified.After(newest) {
			newest = f.Modified
		}
	}
	return newest
}

// Size returns the total size of the model's files.
func (m ModelInfo) Size() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// IsPartial reports whether any of the model's files is still in flight.
func (m ModelInfo) IsPartial() bool {
	for _, f := range m.Files {
		if f.IsPartial {
			return true
		}
	}
	return false
}

// GlobalOption configures a Global.
type GlobalOption func(*Global)

// WithLogger sets the logger used by the store and its namespaces.
func WithLogger(log *logrus.Entry) GlobalOption {
	return func(g *Global) {
		if log != nil {
			g.log = log
		}
	}
}

// WithDownloader sets the downloader handed to namespaces.
func WithDownloader(d download.Downloader) GlobalOption {
	return func(g *Global) {
		if d != nil {
			g.downloader = d
		}
	}
}

// WithEngineLister sets the optional container engine backing for listings.
func WithEngineLister(e EngineLister) GlobalOption {
	return func(g *Global) {
		g.engine = e
	}
}

// Global is the root of the model store. It spans every namespace under one
// base path and provides the cross-namespace operations: listing, backup
// and restore. Per-tag mutation happens on the Store a call to Model
// returns.
type Global struct {
	basePath   string
	log        *logrus.Entry
	downloader download.Downloader
	engine     EngineLister
}

// New creates a Global rooted at basePath. The store tree itself lives in a
// "store" subdirectory and is created lazily on first write.
func New(basePath string, opts ...GlobalOption) *Global {
	g := &Global{
		basePath: filepath.Join(basePath, storeDirectory),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.downloader == nil {
		g.downloader = download.NewHTTPDownloader(download.WithLogger(g.log))
	}
	return g
}

// Path returns the root of the store tree.
func (g *Global) Path() string {
	return g.basePath
}

// Model returns the Store for one (type, organization, name) namespace. An
// empty organization defaults to the model name.
func (g *Global) Model(modelType, organization, name string) *Store {
	return &Store{
		global:       g,
		name:         name,
		modelType:    modelType,
		organization: organization,
		downloader:   g.downloader,
		log: g.log.WithFields(logrus.Fields{
			"type":  modelType,
			"model": name,
		}),
	}
}

// ListModels enumerates every tagged model in the store, keyed by its pull
// reference ("type://organization/name:tag"). Listing never mutates the
// tree: legacy ref files are parsed in place without being migrated. When
// showEngine is set and an engine lister is configured, engine-managed
// models are appended with empty file lists.
func (g *Global) ListModels(ctx context.Context, showEngine bool) ([]ModelInfo, error) {
	var models []ModelInfo

	err := filepath.WalkDir(g.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() || d.Name() != refsDir {
			return nil
		}

		namespace := filepath.Dir(path)
		found, err := g.listNamespace(namespace, path)
		if err != nil {
			return err
		}
		models = append(models, found...)
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("walk store tree: %w", err)
	}

	if showEngine && g.engine != nil {
		engineModels, err := g.engine.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("list engine models: %w", err)
		}
		for _, m := range engineModels {
			models = append(models, ModelInfo{Name: m.Name})
		}
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// listNamespace lists all tags of one namespace directory.
func (g *Global) listNamespace(namespace, refsPath string) ([]ModelInfo, error) {
	rel, err := filepath.Rel(g.basePath, namespace)
	if err != nil {
		return nil, fmt.Errorf("compute namespace path: %w", err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		g.log.WithField("path", namespace).Debug("skipping malformed namespace")
		return nil, nil
	}
	modelType := parts[0]
	orgAndName := strings.Join(parts[1:], "/")

	entries, err := os.ReadDir(refsPath)
	if err != nil {
		return nil, fmt.Errorf("read refs directory: %w", err)
	}

	var models []ModelInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		tag := strings.TrimSuffix(entry.Name(), refSuffix)
		ref, err := g.peekRefFile(namespace, filepath.Join(refsPath, entry.Name()))
		if err != nil {
			g.log.WithError(err).WithField("tag", tag).Debug("skipping unreadable ref file")
			continue
		}
		models = append(models, ModelInfo{
			Name:  modelReference(modelType, orgAndName, tag),
			Files: g.listFiles(namespace, ref),
		})
	}
	return models, nil
}

// peekRefFile parses a ref file of either format without migrating it.
func (g *Global) peekRefFile(namespace, path string) (*RefFile, error) {
	if strings.HasSuffix(path, refSuffix) {
		return readRefFile(path)
	}

	legacy, err := readLegacyRefFile(path)
	if err != nil {
		return nil, err
	}
	ref := &RefFile{Hash: legacy.hash, Path: path}
	snapshotDir := filepath.Join(namespace, snapshotsDir, sanitizeHash(legacy.hash))
	for _, name := range legacy.names {
		var hash string
		if target, err := os.Readlink(filepath.Join(snapshotDir, name)); err == nil {
			hash = filepath.Base(target)
		}
		ref.Files = append(ref.Files, StoreFile{Hash: hash, Name: name, Type: legacy.types[name]})
	}
	return ref, nil
}

// listFiles resolves one ref's files for a listing. Materialized files are
// reported with the blob's size and mtime; files whose blob only exists as
// a .partial are marked in flight; everything else is omitted.
func (g *Global) listFiles(namespace string, ref *RefFile) []ModelFile {
	files := make([]ModelFile, 0, len(ref.Files))
	for _, f := range ref.Files {
		snapshotFile := filepath.Join(namespace, snapshotsDir, sanitizeHash(ref.Hash), f.Name)
		if info, err := os.Stat(snapshotFile); err == nil {
			files = append(files, ModelFile{
				Name:     f.Name,
				Modified: info.ModTime(),
				Size:     info.Size(),
			})
			continue
		}
		partial := filepath.Join(namespace, blobsDir, sanitizeHash(f.Hash)+partialSuffix)
		if info, err := os.Stat(partial); err == nil {
			files = append(files, ModelFile{
				Name:      f.Name,
				Modified:  info.ModTime(),
				Size:      info.Size(),
				IsPartial: true,
			})
		}
	}
	return files
}

// modelReference formats the pull reference of a tagged model. File-sourced
// models keep their absolute path after the scheme, giving the familiar
// "file:///..." form.
func modelReference(modelType, orgAndName, tag string) string {
	scheme := modelType + "://"
	if modelType == "file" {
		scheme += "/"
	}
	return fmt.Sprintf("%s%s:%s", scheme, orgAndName, tag)
}

// ExportTar writes a gzip-compressed tar backup of the whole store tree to
// <dir>/<name>.tar.gz and returns the archive path.
func (g *Global) ExportTar(dir, name string) (string, error) {
	if _, err := os.Stat(g.basePath); err != nil {
		return "", fmt.Errorf("stat store tree: %w", err)
	}
	archivePath := filepath.Join(dir, name+".tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()
	if err := archive.TarGz(g.basePath, f); err != nil {
		return "", fmt.Errorf("archive store tree: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return archivePath, nil
}

// ImportTar restores a backup produced by ExportTar into this store's base
// path. Existing files with the same names are overwritten; unrelated
// content is left alone.
func (g *Global) ImportTar(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	// The archive is rooted at the store directory's basename, so the
	// extraction target is the base path's parent.
	destDir := filepath.Dir(g.basePath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}
	if err := archive.ExtractTarGz(f, destDir); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}

// VerifySnapshot is the store-wide consistency hook run at the end of every
// snapshot creation. Cross-namespace invariants (such as a shared blob
// index) would be checked here; the current layout keeps every invariant
// local to a namespace, so there is nothing global to verify.
func (g *Global) VerifySnapshot() error {
	return nil
}

// Cleanup removes empty namespace directories left behind by removals. It
// is safe to run at any time and never touches live content.
func (g *Global) Cleanup() error {
	var empties []string
	err := filepath.WalkDir(g.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() || path == g.basePath {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			empties = append(empties, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan store tree: %w", err)
	}

	// Deepest first, so a directory emptied by a child's removal is caught
	// on the next run rather than missed.
	sort.Sort(sort.Reverse(sort.StringSlice(empties)))
	for _, dir := range empties {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty directory %q: %w", dir, err)
		}
	}
	return nil
}
