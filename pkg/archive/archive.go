// Package archive creates and extracts tar+gzip backups of store trees.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// TarGz writes a gzip-compressed tar archive of srcDir to w. The archive
// members are rooted at the basename of srcDir so that extraction recreates
// the directory itself. Symlinks are archived as symlinks with their literal
// targets; the store only ever creates relative links, which stay valid
// after relocation.
func TarGz(srcDir string, w io.Writer) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", srcDir)
	}

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("read link %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}

		relPath, err := filepath.Rel(filepath.Dir(srcDir), path)
		if err != nil {
			return fmt.Errorf("compute relative path: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open file %s: %w", path, err)
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return fmt.Errorf("write tar content for %s: %w", path, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		tw.Close()
		gw.Close()
		return fmt.Errorf("walk directory: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}

// ExtractTarGz extracts a gzip-compressed tar archive into destDir. Member
// paths that are absolute or escape destDir are rejected, as are symlinks
// whose targets escape it.
func ExtractTarGz(r io.Reader, destDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := CheckRelative(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := CheckSymlink(destDir, header.Name, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
		default:
			// Hard links, devices and the like have no business in a
			// store backup.
			return fmt.Errorf("unsupported tar entry type %d for %q", header.Typeflag, header.Name)
		}
	}
}

// CheckRelative returns an error if the filename path escapes dir.
// This is used to protect against path traversal attacks when extracting
// archives. It also rejects absolute filename paths.
func CheckRelative(dir, filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("archive path has absolute path: %q", filename)
	}
	target := filepath.Join(dir, filename)
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
		if resolved, err = filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		}
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("archive file %q escapes %q", target, dir)
	}
	return target, nil
}

// CheckSymlink returns an error if the link path escapes dir.
// It also rejects absolute linkname paths.
func CheckSymlink(dir, name, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("archive path has absolute link: %q", linkname)
	}
	_, err := CheckRelative(dir, filepath.Join(filepath.Dir(name), linkname))
	return err
}
