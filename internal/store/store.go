package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
)

const (
	EventsDir    = "vevents"
	TimezonesDir = "vtimezones"

	// stagingDir holds half-written record files. Keeping them out of the
	// record directories means a crash never leaves a stray key behind.
	stagingDir = "staging"

	dirFileMode = 0o700

	// maxKeyLen keeps keys well below common NAME_MAX limits.
	maxKeyLen = 200
)

// Store is the directory-backed cache of extracted VEVENT and VTIMEZONE
// records, one file per record.
//
// Not safe for concurrent use by several processes; there is no locking.
type Store struct {
	root string
}

// Open returns a Store rooted at dir. Nothing is created on disk until
// Reset is called.
func Open(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) Root() string          { return s.root }
func (s *Store) EventsPath() string    { return filepath.Join(s.root, EventsDir) }
func (s *Store) TimezonesPath() string { return filepath.Join(s.root, TimezonesDir) }
func (s *Store) stagingPath() string   { return filepath.Join(s.root, stagingDir) }

// Exists reports whether both record directories are present.
func (s *Store) Exists() (events, timezones bool) {
	return isDir(s.EventsPath()), isDir(s.TimezonesPath())
}

// Reset removes both index files and both record directories, then
// recreates the directories empty. The indexes go first: until a full
// extraction writes them again, their checksums differ from any recorded
// run, so an interrupted rebuild is redone by the next run.
func (s *Store) Reset() error {
	for _, idx := range []string{s.DateIndexPath(), s.TimezoneIndexPath()} {
		if err := os.Remove(idx); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "remove %s", idx)
		}
	}
	for _, dir := range []string{s.EventsPath(), s.TimezonesPath(), s.stagingPath()} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "remove %s", dir)
		}
		if err := os.MkdirAll(dir, dirFileMode); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// PutEvent stores rec unless a record with the same key and an equal or
// newer DTSTAMP is already present. It reports whether rec was written.
func (s *Store) PutEvent(rec model.EventRecord) (bool, error) {
	path := filepath.Join(s.EventsPath(), rec.Key)

	old, err := os.ReadFile(path)
	switch {
	case err == nil:
		prev := ReadDTStamp(string(old))
		if rec.DTStamp <= prev {
			appLog.Debug("event not newer than stored copy, skipped",
				"uid", rec.UID, "dtstamp", rec.DTStamp, "stored_dtstamp", prev)
			return false, nil
		}
		appLog.Debug("event replaces older copy", "uid", rec.UID, "dtstamp", rec.DTStamp, "stored_dtstamp", prev)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, errors.Wrapf(err, "read event %s", path)
	}

	if err := s.writeBody(path, rec.Body); err != nil {
		return false, errors.Wrapf(err, "write event %s", path)
	}
	return true, nil
}

// PutTimezone stores rec only if no timezone with the same key exists.
func (s *Store) PutTimezone(rec model.TimezoneRecord) (bool, error) {
	path := filepath.Join(s.TimezonesPath(), rec.Key)

	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, errors.Wrapf(err, "stat timezone %s", path)
	}

	if err := s.writeBody(path, rec.Body); err != nil {
		return false, errors.Wrapf(err, "write timezone %s", path)
	}
	return true, nil
}

// EventKeys lists stored event keys in sorted order.
func (s *Store) EventKeys() ([]string, error) {
	entries, err := os.ReadDir(s.EventsPath())
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadEvent returns the stored lines of one event.
func (s *Store) ReadEvent(key string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.EventsPath(), key))
	if err != nil {
		return nil, errors.Wrapf(err, "read event %s", key)
	}
	return splitBody(string(data)), nil
}

// ReadTimezone returns the stored lines of one timezone. ok is false if
// the timezone was never stored.
func (s *Store) ReadTimezone(tzid string) (lines []string, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.TimezonesPath(), SanitizeKey(tzid)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read timezone %s", tzid)
	}
	return splitBody(string(data)), true, nil
}

// ReadDTStamp returns the value of the first top-level DTSTAMP property in
// a stored event body, or "" if there is none. Folded lines are joined
// before matching.
func ReadDTStamp(body string) string {
	depth := 0
	for _, line := range unfold(splitBody(body)) {
		switch {
		case strings.HasPrefix(line, "BEGIN:"):
			depth++
		case strings.HasPrefix(line, "END:"):
			depth--
		case depth == 1 && (strings.HasPrefix(line, "DTSTAMP:") || strings.HasPrefix(line, "DTSTAMP;")):
			if _, v, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// SanitizeKey turns a UID or TZID into a file name: only printable
// characters are kept, path separators and quotes are dropped. Overlong
// keys are truncated and suffixed with a hash of the full identifier so
// they stay unique.
func SanitizeKey(id string) string {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '"', '\'':
			return -1
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, id)
	key = strings.TrimSpace(key)

	if key == "." || key == ".." {
		key = "_"
	}
	if len(key) > maxKeyLen {
		sum := sha256.Sum256([]byte(id))
		cut := maxKeyLen - 17
		for cut > 0 && !utf8Boundary(key, cut) {
			cut--
		}
		key = key[:cut] + "-" + hex.EncodeToString(sum[:8])
	}
	return key
}

func utf8Boundary(s string, i int) bool {
	return i >= len(s) || s[i]&0xC0 != 0x80
}

// unfold joins continuation lines (leading space or tab) onto the line
// before them.
func unfold(lines []string) []string {
	var out []string
	for _, l := range lines {
		if len(out) > 0 && l != "" && (l[0] == ' ' || l[0] == '\t') {
			out[len(out)-1] += l[1:]
			continue
		}
		out = append(out, l)
	}
	return out
}

// writeBody writes lines to a temp file in the staging directory and
// renames it over path.
func (s *Store) writeBody(path string, lines []string) (err error) {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}

	if err := os.MkdirAll(s.stagingPath(), dirFileMode); err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	f, err := os.CreateTemp(s.stagingPath(), "record-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return atomic.ReplaceFile(tmp, path)
}

func splitBody(data string) []string {
	data = strings.ReplaceAll(data, "\r", "")
	data = strings.TrimSuffix(data, "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
