package ics

import (
	"bufio"
	"io"
	"slices"
	"syscall"
	"time"

	"github.com/pkg/errors"

	appLog "mailcal/internal/log"
	"mailcal/internal/model"
)

const ProdID = "-//mailcal//mailcal//EN"

// Window limits assembled events by date, as YYYYMMDD strings. An empty
// bound is open.
type Window struct {
	NotBefore string
	NotAfter  string
}

// NewWindow spans notBeforeDays before now to notAfterDays after it.
func NewWindow(now time.Time, notBeforeDays, notAfterDays int) Window {
	return Window{
		NotBefore: now.AddDate(0, 0, -notBeforeDays).Format(dateLayout),
		NotAfter:  now.AddDate(0, 0, notAfterDays).Format(dateLayout),
	}
}

// Includes reports whether an event with the given effective range
// overlaps the window. Only the date part of each value is compared.
func (w Window) Includes(r model.DateRange) bool {
	if w.NotAfter != "" && datePart(r.Start) > w.NotAfter {
		return false
	}
	if w.NotBefore != "" && datePart(r.End) < w.NotBefore {
		return false
	}
	return true
}

func datePart(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// RecordSource is the read side of the record store.
type RecordSource interface {
	EventKeys() ([]string, error)
	ReadEvent(key string) ([]string, error)
	ReadTimezone(tzid string) ([]string, bool, error)
}

type Assembler struct {
	Store RecordSource
	Dates map[string]model.DateRange
	Zones map[string][]string
}

type Stats struct {
	Events           int
	Timezones        int
	Filtered         int
	MissingTimezones int
}

// ErrBrokenPipe is returned by Assemble when the reader of w went away.
var ErrBrokenPipe = errors.New("output closed by reader")

// Assemble writes the calendar to w, ending every line with newline.
// Timezones referenced by the included events come first, then the
// events, both in sorted order.
func (a *Assembler) Assemble(w io.Writer, win Window, newline string) (Stats, error) {
	var st Stats

	keys, err := a.Store.EventKeys()
	if err != nil {
		return st, err
	}

	var included []string
	var tzids []string
	for _, key := range keys {
		if r, ok := a.Dates[key]; ok && !win.Includes(r) {
			st.Filtered++
			continue
		}
		included = append(included, key)
		for _, tz := range a.Zones[key] {
			if !slices.Contains(tzids, tz) {
				tzids = append(tzids, tz)
			}
		}
	}
	slices.Sort(tzids)

	bw := bufio.NewWriter(w)
	out := &lineWriter{w: bw, nl: newline}

	out.line("BEGIN:VCALENDAR")
	out.line("VERSION:2.0")
	out.line("PRODID:" + ProdID)

	for _, tz := range tzids {
		lines, ok, err := a.Store.ReadTimezone(tz)
		if err != nil {
			return st, err
		}
		if !ok {
			appLog.Warn("referenced timezone not in cache, skipped", "tzid", tz)
			st.MissingTimezones++
			continue
		}
		out.lines(lines)
		st.Timezones++
	}

	for _, key := range included {
		lines, err := a.Store.ReadEvent(key)
		if err != nil {
			return st, err
		}
		out.lines(lines)
		st.Events++
	}

	out.line("END:VCALENDAR")
	if out.err == nil {
		out.err = bw.Flush()
	}
	if out.err != nil {
		if errors.Is(out.err, syscall.EPIPE) {
			return st, ErrBrokenPipe
		}
		return st, errors.Wrap(out.err, "write calendar")
	}
	return st, nil
}

// lineWriter keeps the first write error and ignores later writes.
type lineWriter struct {
	w   *bufio.Writer
	nl  string
	err error
}

func (lw *lineWriter) line(s string) {
	if lw.err != nil {
		return
	}
	if _, err := lw.w.WriteString(s); err != nil {
		lw.err = err
		return
	}
	_, lw.err = lw.w.WriteString(lw.nl)
}

func (lw *lineWriter) lines(ls []string) {
	for _, l := range ls {
		lw.line(l)
	}
}
