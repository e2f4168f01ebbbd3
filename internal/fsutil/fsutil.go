// Package fsutil holds the file helpers shared by the signing packages.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// ErrIO is returned (wrapped) when a file cannot be read or written.
var ErrIO = errors.New("i/o error")

// ReadFile reads path fully into memory.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, path, err)
	}
	log.WithFields(log.Fields{
		"path": path,
		"size": humanize.Bytes(uint64(len(data))),
	}).Debug("read file")
	return data, nil
}

// WriteFile writes data to path, keeping the error classification of ReadFile.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrIO, path, err)
	}
	return nil
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CopyDir copies the directory tree src to dst, replacing dst if it exists.
// Symlinks are recreated, not followed.
func CopyDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("%w: failed to clear %s: %v", ErrIO, dst, err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrIO, dst, err)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		default:
			return CopyFile(path, target, info.Mode().Perm())
		}
	})
}

// CopyFile streams src into dst, creating or truncating dst with mode.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: failed to copy %s: %v", ErrIO, src, err)
	}
	return out.Close()
}

// rename is swapped in tests.
var rename = os.Rename

// ReplaceDir moves the finished tree at src over dst. A rename is tried first;
// across filesystems it falls back to copy and remove. When the copy fails the
// original dst is restored; if that fails too the error names the backup.
func ReplaceDir(src, dst string) error {
	backup := dst + ".orig"
	hadDst := Exists(dst)
	if hadDst {
		if err := rename(dst, backup); err != nil {
			return fmt.Errorf("%w: failed to move %s aside: %v", ErrIO, dst, err)
		}
	}

	if err := rename(src, dst); err != nil {
		log.WithError(err).Debug("rename failed, copying instead")
		if err := CopyDir(src, dst); err != nil {
			if restoreErr := restoreDir(backup, dst, hadDst); restoreErr != nil {
				return fmt.Errorf("%w (%v)", err, restoreErr)
			}
			return err
		}
		if err := os.RemoveAll(src); err != nil {
			log.WithError(err).WithField("path", src).Warn("failed to remove copied tree")
		}
	}

	if hadDst {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("%w: failed to remove %s: %v", ErrIO, backup, err)
		}
	}
	return nil
}

// restoreDir drops a partial dst and moves backup back in place.
func restoreDir(backup, dst string, hadDst bool) error {
	if err := os.RemoveAll(dst); err != nil {
		if hadDst {
			return fmt.Errorf("failed to remove partial %s, original kept at %s: %v", dst, backup, err)
		}
		return fmt.Errorf("failed to remove partial %s: %v", dst, err)
	}
	if !hadDst {
		return nil
	}
	if err := rename(backup, dst); err != nil {
		return fmt.Errorf("failed to restore %s, original kept at %s: %v", dst, backup, err)
	}
	return nil
}
