package ics

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
	"mailcal/internal/store"
)

// AlarmLookback is how far in the past an event may start and still get a
// generated alarm. Whole days keep same-day reruns deterministic.
const AlarmLookback = 2 * 24 * time.Hour

// RecordSink receives extracted records. Each Put reports whether the
// record was actually stored.
type RecordSink interface {
	PutEvent(rec model.EventRecord) (bool, error)
	PutTimezone(rec model.TimezoneRecord) (bool, error)
}

type ExtractOptions struct {
	Alarm       bool
	FixEncoding bool
	Now         time.Time
}

// Extraction is the aggregate built while extracting: the date range and
// referenced timezones of every event that ended up in the store, keyed
// by store key.
type Extraction struct {
	Dates map[string]model.DateRange
	Zones map[string][]string

	Events    int // events stored, including replacements
	Timezones int
	Dropped   int
}

func NewExtraction() *Extraction {
	return &Extraction{
		Dates: make(map[string]model.DateRange),
		Zones: make(map[string][]string),
	}
}

type parserState int

const (
	stateOutside parserState = iota
	stateInEvent
	stateInTimezone
)

func (s parserState) String() string {
	switch s {
	case stateInEvent:
		return "VEVENT"
	case stateInTimezone:
		return "VTIMEZONE"
	default:
		return "outside"
	}
}

// Vendor flags marking all-day or free/non-appointment items.
var noAlarmMarkers = map[string]bool{
	"X-MICROSOFT-CDO-ALLDAYEVENT:TRUE":         true,
	"X-MICROSOFT-MSNCALENDAR-ALLDAYEVENT:TRUE": true,
	"X-MICROSOFT-CDO-INTENDEDSTATUS:FREE":      true,
	"X-MICROSOFT-CDO-BUSYSTATUS:FREE":          true,
}

// eventAcc accumulates one VEVENT. Reset on every BEGIN:VEVENT.
type eventAcc struct {
	body    []string
	uid     string
	dtstamp string
	dtstart string
	dtend   string
	rrule   string
	summary string
	tzids   []string
	noAlarm bool
	depth   int // nesting of sub-components (VALARM etc.)
}

type timezoneAcc struct {
	body []string
	tzid string
}

// Extractor turns calendar documents into stored records. One Extractor
// is used for a whole extraction run so that its Result covers every
// document.
type Extractor struct {
	sink        RecordSink
	opts        ExtractOptions
	alarmCutoff string
	result      *Extraction

	state parserState
	ev    eventAcc
	tz    timezoneAcc
}

func NewExtractor(sink RecordSink, opts ExtractOptions) *Extractor {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &Extractor{
		sink:        sink,
		opts:        opts,
		alarmCutoff: now.Add(-AlarmLookback).Format(dateLayout),
		result:      NewExtraction(),
	}
}

func (x *Extractor) Result() *Extraction { return x.result }

// Extract processes one document. Malformed content is logged and skipped;
// only sink errors are returned.
func (x *Extractor) Extract(doc model.RawCalendarDocument) error {
	text := doc.Text
	if x.opts.FixEncoding {
		text = RepairCharset(text, doc.Charset)
	}

	x.state = stateOutside
	for fl := range FoldedLines(text) {
		var err error
		switch x.state {
		case stateOutside:
			x.onOutside(fl)
		case stateInEvent:
			err = x.onEvent(fl, doc.Source)
		case stateInTimezone:
			err = x.onTimezone(fl, doc.Source)
		}
		if err != nil {
			return err
		}
	}

	if x.state != stateOutside {
		appLog.Warn("document ended inside block, fragment discarded",
			"source", doc.Source, "block", x.state.String())
		x.result.Dropped++
		x.state = stateOutside
	}
	return nil
}

func (x *Extractor) onOutside(fl model.FoldedLine) {
	switch strings.TrimSpace(fl.Line) {
	case "BEGIN:VEVENT":
		x.ev = eventAcc{body: slices.Clone(fl.Raw)}
		x.state = stateInEvent
	case "BEGIN:VTIMEZONE":
		x.tz = timezoneAcc{body: slices.Clone(fl.Raw)}
		x.state = stateInTimezone
	}
}

func (x *Extractor) onEvent(fl model.FoldedLine, source string) error {
	ev := &x.ev
	line := strings.TrimSpace(fl.Line)

	if ev.depth > 0 {
		switch {
		case strings.HasPrefix(line, "BEGIN:"):
			ev.depth++
		case strings.HasPrefix(line, "END:"):
			ev.depth--
		}
		ev.body = append(ev.body, fl.Raw...)
		return nil
	}

	switch {
	case line == "END:VEVENT":
		if x.opts.Alarm && !ev.noAlarm {
			ev.body = append(ev.body, alarmBlock(ev.uid, ev.summary)...)
		}
		ev.body = append(ev.body, fl.Raw...)
		x.state = stateOutside
		return x.commitEvent(source)
	case strings.HasPrefix(line, "BEGIN:"):
		if line == "BEGIN:VALARM" {
			ev.noAlarm = true
		}
		ev.depth++
		ev.body = append(ev.body, fl.Raw...)
		return nil
	case noAlarmMarkers[strings.ToUpper(line)]:
		ev.noAlarm = true
	}

	cl, ok := parseContentLine(fl.Line)
	if !ok {
		ev.body = append(ev.body, fl.Raw...)
		return nil
	}

	raw := fl.Raw
	switch cl.name {
	case "UID":
		setOnce(&ev.uid, cl.value)
	case "DTSTAMP":
		setOnce(&ev.dtstamp, cl.value)
	case "SUMMARY":
		setOnce(&ev.summary, cl.value)
	case "RRULE":
		setOnce(&ev.rrule, cl.value)
	case "DTSTART", "DTEND":
		target := &ev.dtstart
		if cl.name == "DTEND" {
			target = &ev.dtend
		}
		if *target != "" {
			break
		}
		*target = cl.value
		if tzid := cl.params["TZID"]; tzid != "" {
			ev.tzids = appendUnique(ev.tzids, tzid)
		}
		if !cl.hasParams && len(cl.value) == 8 {
			raw = []string{cl.name + ";VALUE=DATE:" + cl.value}
		}
		if cl.name == "DTSTART" && x.skipsAlarm(cl.value) {
			ev.noAlarm = true
		}
	}
	ev.body = append(ev.body, raw...)
	return nil
}

// skipsAlarm reports whether an event starting at dtstart gets no alarm:
// all-day events and events that started before the lookback cutoff.
func (x *Extractor) skipsAlarm(dtstart string) bool {
	if len(dtstart) == 8 {
		return true
	}
	date := dtstart
	if len(date) > 8 {
		date = date[:8]
	}
	return date < x.alarmCutoff
}

func (x *Extractor) onTimezone(fl model.FoldedLine, source string) error {
	x.tz.body = append(x.tz.body, fl.Raw...)
	line := strings.TrimSpace(fl.Line)
	if line == "END:VTIMEZONE" {
		x.state = stateOutside
		return x.commitTimezone(source)
	}
	if x.tz.tzid == "" {
		if cl, ok := parseContentLine(fl.Line); ok && cl.name == "TZID" {
			x.tz.tzid = cl.value
		}
	}
	return nil
}

func (x *Extractor) commitEvent(source string) error {
	ev := x.ev
	if ev.uid == "" {
		appLog.Warn("event without UID dropped", "source", source)
		x.result.Dropped++
		return nil
	}
	key := store.SanitizeKey(ev.uid)
	if key == "" {
		appLog.Warn("event UID has no usable characters, dropped", "source", source, "uid", ev.uid)
		x.result.Dropped++
		return nil
	}

	start, end := ev.dtstart, ev.dtend
	if start == "" {
		start = end
	}
	if end == "" {
		end = start
	}
	if start == "" {
		appLog.Warn("event without DTSTART and DTEND dropped", "source", source, "uid", ev.uid)
		x.result.Dropped++
		return nil
	}

	if ev.rrule != "" {
		end = estimateEffectiveEnd(ev.uid, end, ev.rrule)
	}

	slices.Sort(ev.tzids)
	rec := model.EventRecord{
		UID:     ev.uid,
		Key:     key,
		Body:    ev.body,
		DTStamp: ev.dtstamp,
		Start:   start,
		End:     end,
		TZIDs:   ev.tzids,
	}
	stored, err := x.sink.PutEvent(rec)
	if err != nil {
		return err
	}
	if !stored {
		return nil
	}

	x.result.Events++
	x.result.Dates[key] = model.DateRange{Start: start, End: end}
	if len(rec.TZIDs) > 0 {
		x.result.Zones[key] = rec.TZIDs
	} else {
		delete(x.result.Zones, key)
	}
	return nil
}

func estimateEffectiveEnd(uid, end, rule string) string {
	r, err := ParseRecurrence(rule)
	if err != nil {
		appLog.Debug("rrule ignored for date estimation", "uid", uid, "rrule", rule, "err", err)
		return end
	}
	est, err := EstimateEnd(end, r)
	if err != nil {
		appLog.Debug("recurrence end estimation failed", "uid", uid, "end", end, "err", err)
		return end
	}
	return est
}

func (x *Extractor) commitTimezone(source string) error {
	tz := x.tz
	key := store.SanitizeKey(tz.tzid)
	if key == "" {
		appLog.Warn("timezone without TZID dropped", "source", source)
		x.result.Dropped++
		return nil
	}
	stored, err := x.sink.PutTimezone(model.TimezoneRecord{TZID: tz.tzid, Key: key, Body: tz.body})
	if err != nil {
		return err
	}
	if stored {
		x.result.Timezones++
	}
	return nil
}

// alarmBlock builds a display alarm five minutes before start. The alarm
// UID is derived from the event UID so reruns produce identical output.
func alarmBlock(eventUID, summary string) []string {
	desc := summary
	if desc == "" {
		desc = "Reminder"
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailcal-alarm:"+eventUID))

	lines := []string{
		"BEGIN:VALARM",
		"UID:" + id.String(),
		"ACTION:DISPLAY",
	}
	lines = append(lines, foldLine("DESCRIPTION:"+desc)...)
	return append(lines,
		"TRIGGER:-PT5M",
		"END:VALARM",
	)
}

// foldLine splits a logical line into physical lines of at most 75 bytes,
// never inside a UTF-8 sequence.
func foldLine(line string) []string {
	const limit = 75
	var out []string
	prefix := ""
	for {
		room := limit - len(prefix)
		if len(line) <= room {
			return append(out, prefix+line)
		}
		cut := room
		for cut > 0 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		out = append(out, prefix+line[:cut])
		line = line[cut:]
		prefix = " "
	}
}

type contentLine struct {
	name      string
	params    map[string]string
	hasParams bool
	value     string
}

// parseContentLine splits NAME;P=V;...:VALUE. Colons inside quoted
// parameter values do not end the parameter list.
func parseContentLine(line string) (contentLine, bool) {
	nameEnd := strings.IndexAny(line, ";:")
	if nameEnd <= 0 {
		return contentLine{}, false
	}
	cl := contentLine{name: strings.ToUpper(line[:nameEnd])}
	if line[nameEnd] == ':' {
		cl.value = strings.TrimSpace(line[nameEnd+1:])
		return cl, true
	}

	cl.hasParams = true
	cl.params = make(map[string]string)
	rest := line[nameEnd+1:]
	quoted := false
	start := 0
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '"':
			quoted = !quoted
		case ';', ':':
			if quoted {
				continue
			}
			addParam(cl.params, rest[start:i])
			start = i + 1
			if rest[i] == ':' {
				cl.value = strings.TrimSpace(rest[i+1:])
				return cl, true
			}
		}
	}
	return contentLine{}, false
}

func addParam(params map[string]string, p string) {
	k, v, ok := strings.Cut(p, "=")
	if !ok {
		return
	}
	params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
