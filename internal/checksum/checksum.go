// Package checksum computes content digests of files and directory trees.
// They are only compared for equality between runs.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	appLog "mailcal/internal/log"
)

// Bytes returns the hex sha256 of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File returns the hex sha256 of a file's content, or "" if it does not
// exist.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Dir returns a digest of a whole directory tree: entry names, kinds and
// file contents, visited in name order at every level. It returns "" for
// a directory that does not exist. Subdirectories that cannot be read are
// logged and hashed as empty.
func Dir(root string) (string, error) {
	st, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", root)
	}
	if !st.IsDir() {
		return "", errors.Errorf("%s is not a directory", root)
	}

	h := sha256.New()
	if err := hashDir(h, root, true); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashDir(h hash.Hash, dir string, top bool) error {
	// os.ReadDir sorts by file name.
	entries, err := os.ReadDir(dir)
	if err != nil {
		if top {
			return errors.Wrapf(err, "read dir %s", dir)
		}
		appLog.Warn("directory unreadable, hashed as empty", "dir", dir, "err", err)
		return nil
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			writeEntry(h, "d", e.Name())
			if err := hashDir(h, path, false); err != nil {
				return err
			}
			writeEntry(h, "D", "")
		case e.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return errors.Wrapf(err, "readlink %s", path)
			}
			writeEntry(h, "l", e.Name())
			writeEntry(h, "t", target)
		case e.Type().IsRegular():
			sum, err := File(path)
			if err != nil {
				return err
			}
			writeEntry(h, "f", e.Name())
			writeEntry(h, "c", sum)
		}
	}
	return nil
}

// writeEntry frames a tagged field so adjacent names cannot run together.
func writeEntry(h hash.Hash, tag, s string) {
	io.WriteString(h, tag)
	io.WriteString(h, s)
	h.Write([]byte{0})
}
