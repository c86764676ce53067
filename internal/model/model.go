package model

// RawCalendarDocument is the decoded payload of one text/calendar MIME
// part. Source identifies the message it came from and is only used in
// diagnostics.
type RawCalendarDocument struct {
	Source  string
	Charset string // declared charset parameter, lower case, may be empty
	Text    string
}

// FoldedLine groups the physical lines that make up one logical line.
type FoldedLine struct {
	Raw  []string
	Line string
}

// EventRecord is a single VEVENT as stored in the event cache.
type EventRecord struct {
	UID string
	Key string // UID sanitized for use as a file name

	// Body holds the physical lines from BEGIN:VEVENT to END:VEVENT,
	// after charset repair, DTSTART/DTEND rewriting and alarm insertion.
	Body []string

	DTStamp string

	// Start / End are the effective dates used for window filtering, in
	// the calendar's native format (YYYYMMDD or YYYYMMDDTHHMMSS[Z]).
	// End may have been pushed out by recurrence estimation.
	Start string
	End   string

	TZIDs []string
}

// TimezoneRecord is a single VTIMEZONE as stored in the timezone cache.
type TimezoneRecord struct {
	TZID string
	Key  string
	Body []string
}

// DateRange is the effective start/end of a stored event, as kept in the
// date index.
type DateRange struct {
	Start string
	End   string
}
