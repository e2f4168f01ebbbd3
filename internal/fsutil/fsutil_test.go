package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
}

func TestCopyDirAndReplace(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.app")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Frameworks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Info.plist"), []byte("info"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Frameworks", "bin"), []byte("bin"), 0755))

	dst := filepath.Join(root, "dst.app")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale"), []byte("x"), 0644))

	require.NoError(t, CopyDir(src, dst))
	assert.FileExists(t, filepath.Join(dst, "Frameworks", "bin"))
	assert.NoFileExists(t, filepath.Join(dst, "stale"))

	fi, err := os.Stat(filepath.Join(dst, "Frameworks", "bin"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0100)

	require.NoError(t, os.WriteFile(filepath.Join(src, "Info.plist"), []byte("signed"), 0644))
	require.NoError(t, ReplaceDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "Info.plist"))
	require.NoError(t, err)
	assert.Equal(t, "signed", string(data))
	assert.NoDirExists(t, src)
	assert.NoDirExists(t, dst+".orig")
}

func TestReplaceDirRestoresOriginalOnCopyFailure(t *testing.T) {
	root := t.TempDir()
	dst := filepath.Join(root, "dst.app")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "Info.plist"), []byte("original"), 0644))

	err := ReplaceDir(filepath.Join(root, "missing.app"), dst)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "Info.plist"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.NoDirExists(t, dst+".orig")
}

func TestReplaceDirReportsBackupWhenRestoreFails(t *testing.T) {
	root := t.TempDir()
	dst := filepath.Join(root, "dst.app")
	backup := dst + ".orig"
	require.NoError(t, os.MkdirAll(dst, 0755))

	defer func(orig func(string, string) error) { rename = orig }(rename)
	rename = func(oldpath, newpath string) error {
		if oldpath == backup {
			return errors.New("device busy")
		}
		return os.Rename(oldpath, newpath)
	}

	err := ReplaceDir(filepath.Join(root, "missing.app"), dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), backup)
	assert.Contains(t, err.Error(), "device busy")
	assert.DirExists(t, backup)
}
