package store

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"mailcal/internal/checksum"
	"mailcal/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s := Open(t.TempDir())
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return s
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"abc-123@example.com", "abc-123@example.com"},
		{"Europe/Berlin", "EuropeBerlin"},
		{`a\b"c'd`, "abcd"},
		{"tab\there\n", "tabhere"},
		{"  spaced id ", "spaced id"},
		{"..", "_"},
		{".", "_"},
		{"../..", "...."},
		{"日本語", "日本語"},
		{"/", ""},
	}
	for _, tc := range cases {
		if got := SanitizeKey(tc.id); got != tc.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestSanitizeKeyLong(t *testing.T) {
	a := strings.Repeat("é", 150) + "a"
	b := strings.Repeat("é", 150) + "b"
	ka, kb := SanitizeKey(a), SanitizeKey(b)
	if ka == kb {
		t.Errorf("long keys collide: %q", ka)
	}
	for _, k := range []string{ka, kb} {
		if len(k) > maxKeyLen {
			t.Errorf("len(%q) = %d, want <= %d", k, len(k), maxKeyLen)
		}
		if !utf8.ValidString(k) {
			t.Errorf("key %q is not valid UTF-8", k)
		}
	}
	if SanitizeKey(a) != ka {
		t.Errorf("SanitizeKey is not deterministic")
	}
}

func event(uid, stamp, summary string) model.EventRecord {
	return model.EventRecord{
		UID:     uid,
		Key:     SanitizeKey(uid),
		DTStamp: stamp,
		Body: []string{
			"BEGIN:VEVENT",
			"UID:" + uid,
			"DTSTAMP:" + stamp,
			"SUMMARY:" + summary,
			"END:VEVENT",
		},
	}
}

func TestPutEvent(t *testing.T) {
	s := openTemp(t)

	steps := []struct {
		rec    model.EventRecord
		stored bool
		want   string
	}{
		{event("e1", "20240101T000000Z", "first"), true, "SUMMARY:first"},
		{event("e1", "20240101T000000Z", "equal"), false, "SUMMARY:first"},
		{event("e1", "20231231T000000Z", "older"), false, "SUMMARY:first"},
		{event("e1", "20240102T000000Z", "newer"), true, "SUMMARY:newer"},
	}
	for i, step := range steps {
		stored, err := s.PutEvent(step.rec)
		if err != nil {
			t.Fatalf("step %d: PutEvent: %v", i, err)
		}
		if stored != step.stored {
			t.Errorf("step %d: stored = %v, want %v", i, stored, step.stored)
		}
		lines, err := s.ReadEvent("e1")
		if err != nil {
			t.Fatalf("step %d: ReadEvent: %v", i, err)
		}
		if lines[3] != step.want {
			t.Errorf("step %d: stored summary %q, want %q", i, lines[3], step.want)
		}
	}

	keys, err := s.EventKeys()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1"}, keys); diff != "" {
		t.Errorf("EventKeys() mismatch (-want +got):\n%s", diff)
	}
}

func TestPutTimezone(t *testing.T) {
	s := openTemp(t)
	rec := func(body string) model.TimezoneRecord {
		return model.TimezoneRecord{TZID: "A/B", Key: SanitizeKey("A/B"), Body: []string{body}}
	}

	if stored, err := s.PutTimezone(rec("one")); err != nil || !stored {
		t.Fatalf("first PutTimezone() = %v, %v", stored, err)
	}
	if stored, err := s.PutTimezone(rec("two")); err != nil || stored {
		t.Fatalf("second PutTimezone() = %v, %v", stored, err)
	}
	got, ok, err := s.ReadTimezone("A/B")
	if err != nil || !ok {
		t.Fatalf("ReadTimezone() = %v, %v", ok, err)
	}
	if diff := cmp.Diff([]string{"one"}, got); diff != "" {
		t.Errorf("timezone body mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := s.ReadTimezone("Nope/Zone"); ok || err != nil {
		t.Errorf("ReadTimezone(missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestResetClears(t *testing.T) {
	s := openTemp(t)
	if _, err := s.PutEvent(event("x", "1", "s")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	keys, err := s.EventKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("EventKeys() after Reset = %q, want none", keys)
	}
	if ev, tz := s.Exists(); !ev || !tz {
		t.Errorf("Exists() = %v, %v after Reset", ev, tz)
	}
}

func TestReadDTStamp(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VEVENT",
		"UID:x",
		"BEGIN:VALARM",
		"DTSTAMP:29990101T000000Z",
		"END:VALARM",
		"DTSTAMP;X-P=1:20240101T000000Z",
		"END:VEVENT",
	}, "\n")
	if got, want := ReadDTStamp(body), "20240101T000000Z"; got != want {
		t.Errorf("ReadDTStamp() = %q, want %q", got, want)
	}
	if got := ReadDTStamp("BEGIN:VEVENT\nEND:VEVENT\n"); got != "" {
		t.Errorf("ReadDTStamp(no stamp) = %q, want empty", got)
	}
}

func TestReadDTStampFolded(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VEVENT",
		"UID:x",
		"DTSTAMP:2024010",
		" 2T000000Z",
		"END:VEVENT",
	}, "\n")
	if got, want := ReadDTStamp(body), "20240102T000000Z"; got != want {
		t.Errorf("ReadDTStamp() = %q, want %q", got, want)
	}
}

func TestPutEventFoldedStamp(t *testing.T) {
	s := openTemp(t)
	stored := event("e1", "20240102T000000Z", "first")
	stored.Body[2] = "DTSTAMP:2024010"
	stored.Body = slices.Insert(stored.Body, 3, " 2T000000Z")
	if ok, err := s.PutEvent(stored); err != nil || !ok {
		t.Fatalf("PutEvent() = %v, %v", ok, err)
	}

	// "20240101T5..." sorts after the truncated "2024010" but before the
	// real stamp, so it must be rejected.
	if ok, err := s.PutEvent(event("e1", "20240101T500000Z", "older")); err != nil || ok {
		t.Errorf("PutEvent(older) = %v, %v, want not stored", ok, err)
	}
}

func TestResetRemovesIndexes(t *testing.T) {
	s := openTemp(t)
	if _, err := s.WriteDateIndex(map[string]model.DateRange{"k": {Start: "20240101", End: "20240101"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteTimezoneIndex(map[string][]string{"k": {"A/B"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{s.DateIndexPath(), s.TimezoneIndexPath()} {
		if sum, err := checksum.File(p); err != nil || sum != "" {
			t.Errorf("%s survived Reset (sum %q, err %v)", p, sum, err)
		}
	}
}

func TestRecordDirsHoldOnlyRecords(t *testing.T) {
	s := openTemp(t)
	for _, uid := range []string{"a", "b", "a"} {
		if _, err := s.PutEvent(event(uid, "20240101T000000Z", "s")); err != nil {
			t.Fatal(err)
		}
	}

	// A temp file left over from an interrupted write.
	if err := os.WriteFile(filepath.Join(s.stagingPath(), "record-123"), []byte("BEGIN:VEVENT\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.EventsPath())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("vevents entries mismatch (-want +got):\n%s", diff)
	}
	keys, err := s.EventKeys()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Errorf("EventKeys() mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	s := openTemp(t)
	dates := map[string]model.DateRange{
		"b": {Start: "20300101T100000Z", End: "20300101T110000Z"},
		"a": {Start: "20300102", End: "20300103"},
	}
	zones := map[string][]string{
		"b":     {"Europe/Berlin", "UTC"},
		"empty": nil,
	}

	dateSum, err := s.WriteDateIndex(dates)
	if err != nil {
		t.Fatal(err)
	}
	tzSum, err := s.WriteTimezoneIndex(zones)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(s.DateIndexPath())
	if err != nil {
		t.Fatal(err)
	}
	wantRaw := "a\t20300102\t20300103\nb\t20300101T100000Z\t20300101T110000Z\n"
	if string(raw) != wantRaw {
		t.Errorf("date index = %q, want %q", raw, wantRaw)
	}
	if fileSum, _ := checksum.File(s.DateIndexPath()); fileSum != dateSum {
		t.Errorf("date index checksum %q does not match file %q", dateSum, fileSum)
	}
	if fileSum, _ := checksum.File(s.TimezoneIndexPath()); fileSum != tzSum {
		t.Errorf("tz index checksum %q does not match file %q", tzSum, fileSum)
	}

	gotDates, err := s.ReadDateIndex()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(dates, gotDates); diff != "" {
		t.Errorf("ReadDateIndex() mismatch (-want +got):\n%s", diff)
	}
	gotZones, err := s.ReadTimezoneIndex()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string][]string{"b": {"Europe/Berlin", "UTC"}}, gotZones); diff != "" {
		t.Errorf("ReadTimezoneIndex() mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexCorrupt(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		read    func(*Store) error
	}{
		{"date index two fields", DateIndexFile, "a\t20300101\n", readDates},
		{"date index four fields", DateIndexFile, "a\t1\t2\t3\n", readDates},
		{"date index missing", "", "", readDates},
		{"tz index one field", TimezoneIndexFile, "a\n", readZones},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openTemp(t)
			if tc.file != "" {
				if err := os.WriteFile(s.Root()+"/"+tc.file, []byte(tc.content), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			if err := tc.read(s); !errors.Is(err, ErrCorruptIndex) {
				t.Errorf("err = %v, want ErrCorruptIndex", err)
			}
		})
	}
}

func readDates(s *Store) error {
	_, err := s.ReadDateIndex()
	return err
}

func readZones(s *Store) error {
	_, err := s.ReadTimezoneIndex()
	return err
}
