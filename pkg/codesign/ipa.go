package codesign

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/internal/fsutil"
)

// ExtractIPA unpacks an IPA into a new temporary directory and returns it.
// The caller removes the directory.
func ExtractIPA(ipaPath string) (string, error) {
	dir, err := os.MkdirTemp("", "go-resign-ipa-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp directory: %v", fsutil.ErrIO, err)
	}

	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: failed to open %s: %v", fsutil.ErrIO, ipaPath, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if err := extractZipEntry(f, dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	log.WithFields(log.Fields{"ipa": ipaPath, "entries": len(r.File)}).Debug("extracted IPA")
	return dir, nil
}

func extractZipEntry(f *zip.File, dir string) error {
	dest := filepath.Join(dir, f.Name)
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("entry escapes archive root: %s", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	if f.Mode()&os.ModeSymlink != 0 {
		target, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), dest)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// FindAppBundle returns the .app directory under Payload of an extracted IPA.
func FindAppBundle(extractedDir string) (string, error) {
	payload := filepath.Join(extractedDir, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read Payload: %v", fsutil.ErrIO, err)
	}
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == ".app" {
			return filepath.Join(payload, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle in %s", payload)
}

// RepackageIPA zips extractedDir into outputPath.
func RepackageIPA(extractedDir, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", fsutil.ErrIO, outputPath, err)
	}
	w := zip.NewWriter(out)

	err = filepath.Walk(extractedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == extractedDir {
			return err
		}
		rel, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if info.IsDir() {
			_, err := w.Create(name + "/")
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry, err := w.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = entry.Write([]byte(target))
			return err
		}

		header.Method = zip.Deflate
		entry, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(entry, f)
		return err
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	log.WithField("ipa", outputPath).Debug("repackaged IPA")
	return nil
}
