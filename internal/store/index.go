package store

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"mailcal/internal/checksum"
	"mailcal/internal/model"
)

const (
	DateIndexFile     = "dates.idx"
	TimezoneIndexFile = "tzids.idx"
)

// ErrCorruptIndex is returned when an index file has a line with the wrong
// number of fields.
var ErrCorruptIndex = errors.New("corrupt index")

func (s *Store) DateIndexPath() string     { return filepath.Join(s.root, DateIndexFile) }
func (s *Store) TimezoneIndexPath() string { return filepath.Join(s.root, TimezoneIndexFile) }

// WriteDateIndex writes one "key\tstart\tend" line per entry, sorted by
// key, and returns the checksum of what was written.
func (s *Store) WriteDateIndex(dates map[string]model.DateRange) (string, error) {
	var sb strings.Builder
	for _, key := range sortedKeys(dates) {
		r := dates[key]
		fmt.Fprintf(&sb, "%s\t%s\t%s\n", key, r.Start, r.End)
	}
	return writeIndex(s.DateIndexPath(), sb.String())
}

// WriteTimezoneIndex writes one "key\ttzid[\ttzid...]" line per event that
// references at least one timezone.
func (s *Store) WriteTimezoneIndex(zones map[string][]string) (string, error) {
	var sb strings.Builder
	for _, key := range sortedKeys(zones) {
		if len(zones[key]) == 0 {
			continue
		}
		sb.WriteString(key)
		for _, tz := range zones[key] {
			sb.WriteByte('\t')
			sb.WriteString(tz)
		}
		sb.WriteByte('\n')
	}
	return writeIndex(s.TimezoneIndexPath(), sb.String())
}

// ReadDateIndex loads the date index. A line without exactly three fields
// yields ErrCorruptIndex.
func (s *Store) ReadDateIndex() (map[string]model.DateRange, error) {
	dates := make(map[string]model.DateRange)
	err := readIndex(s.DateIndexPath(), func(n int, fields []string) error {
		if len(fields) != 3 {
			return errors.Wrapf(ErrCorruptIndex, "%s line %d: %d fields", DateIndexFile, n, len(fields))
		}
		dates[fields[0]] = model.DateRange{Start: fields[1], End: fields[2]}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dates, nil
}

// ReadTimezoneIndex loads the timezone index. A line with fewer than two
// fields yields ErrCorruptIndex.
func (s *Store) ReadTimezoneIndex() (map[string][]string, error) {
	zones := make(map[string][]string)
	err := readIndex(s.TimezoneIndexPath(), func(n int, fields []string) error {
		if len(fields) < 2 {
			return errors.Wrapf(ErrCorruptIndex, "%s line %d: %d fields", TimezoneIndexFile, n, len(fields))
		}
		zones[fields[0]] = fields[1:]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return zones, nil
}

func writeIndex(path, content string) (string, error) {
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return "", errors.Wrapf(err, "write index %s", path)
	}
	return checksum.Bytes([]byte(content)), nil
}

func readIndex(path string, fn func(n int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrCorruptIndex, "%s missing", filepath.Base(path))
		}
		return errors.Wrapf(err, "open index %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := fn(n, strings.Split(line, "\t")); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "read index %s", path)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
