package ics

import (
	"io"

	ical "github.com/arran4/golang-ical"
	"github.com/pkg/errors"
)

type ValidationReport struct {
	Events    int
	Timezones int
	// MissingUID counts events the parser accepted without a UID property.
	MissingUID int
}

// Validate parses an assembled calendar. It only checks that the document
// is well formed enough for a strict parser; it is not a full RFC check.
func Validate(r io.Reader) (ValidationReport, error) {
	var rep ValidationReport
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return rep, errors.Wrap(err, "parse calendar")
	}
	for _, ev := range cal.Events() {
		rep.Events++
		if ev.GetProperty(ical.ComponentPropertyUniqueId) == nil {
			rep.MissingUID++
		}
	}
	for _, c := range cal.Components {
		if _, ok := c.(*ical.VTimezone); ok {
			rep.Timezones++
		}
	}
	return rep, nil
}
