package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// UnboundedRepeatYears is how far an RRULE without COUNT or UNTIL is
// assumed to run. There is no configuration for it.
const UnboundedRepeatYears = 100

const dateLayout = "20060102"

var (
	ErrNoFrequency          = errors.New("rrule has no FREQ")
	ErrUnsupportedFrequency = errors.New("unsupported rrule frequency")
	ErrBadCount             = errors.New("unparsable rrule COUNT")
	ErrBadAnchor            = errors.New("end date has no YYYYMMDD component")
	ErrDateOutOfRange       = errors.New("estimated date out of range")
)

// Recurrence is either Until or BoundedRepeat.
type Recurrence interface {
	isRecurrence()
}

// Until carries the literal UNTIL value of a rule. It is used as the last
// end date as-is, even though strictly it marks the start of the final
// instance.
type Until struct {
	Date string
}

// BoundedRepeat is a FREQ/COUNT pair.
type BoundedRepeat struct {
	Freq  rrule.Frequency
	Count int
}

func (Until) isRecurrence()         {}
func (BoundedRepeat) isRecurrence() {}

// ParseRecurrence reads the parts of an RRULE value that matter for date
// estimation. UNTIL wins over FREQ/COUNT. A rule without COUNT is treated
// as YEARLY for UnboundedRepeatYears.
func ParseRecurrence(rule string) (Recurrence, error) {
	var (
		freq     string
		count    string
		hasCount bool
	)
	for _, part := range strings.Split(rule, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "UNTIL":
			return Until{Date: val}, nil
		case "FREQ":
			if freq == "" {
				freq = strings.ToUpper(val)
			}
		case "COUNT":
			if !hasCount {
				count, hasCount = val, true
			}
		}
	}

	if freq == "" {
		return nil, ErrNoFrequency
	}
	f, err := rrule.StrToFreq(freq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFrequency, freq)
	}
	switch f {
	case rrule.DAILY, rrule.WEEKLY, rrule.MONTHLY, rrule.YEARLY:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFrequency, freq)
	}

	if !hasCount {
		return BoundedRepeat{Freq: rrule.YEARLY, Count: UnboundedRepeatYears}, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadCount, count)
	}
	return BoundedRepeat{Freq: f, Count: n}, nil
}

// EstimateEnd returns a conservative last end date for an event whose
// first instance ends at end. The time-of-day suffix of end, if any, is
// carried over unchanged.
func EstimateEnd(end string, r Recurrence) (string, error) {
	switch r := r.(type) {
	case Until:
		return r.Date, nil
	case BoundedRepeat:
		return estimateBounded(end, r)
	default:
		return end, fmt.Errorf("unknown recurrence %T", r)
	}
}

func estimateBounded(end string, r BoundedRepeat) (string, error) {
	if len(end) < 8 {
		return end, ErrBadAnchor
	}
	anchor, err := time.Parse(dateLayout, end[:8])
	if err != nil {
		return end, fmt.Errorf("%w: %v", ErrBadAnchor, err)
	}

	y, m, d := anchor.Date()
	var out time.Time
	switch r.Freq {
	case rrule.DAILY:
		out = anchor.AddDate(0, 0, r.Count)
	case rrule.WEEKLY:
		out = anchor.AddDate(0, 0, 7*r.Count)
	case rrule.MONTHLY:
		// Normalize the month first, then clamp the day to the last
		// valid day of the target month.
		first := time.Date(y, m+time.Month(r.Count), 1, 0, 0, 0, 0, time.UTC)
		last := daysIn(first.Year(), first.Month())
		out = time.Date(first.Year(), first.Month(), min(d, last), 0, 0, 0, 0, time.UTC)
	case rrule.YEARLY:
		if d > daysIn(y+r.Count, m) {
			return end, fmt.Errorf("%w: %04d-%02d-%02d", ErrDateOutOfRange, y+r.Count, m, d)
		}
		out = time.Date(y+r.Count, m, d, 0, 0, 0, 0, time.UTC)
	default:
		return end, fmt.Errorf("%w: %s", ErrUnsupportedFrequency, r.Freq)
	}

	if out.Year() < 1 || out.Year() > 9999 {
		return end, fmt.Errorf("%w: year %d", ErrDateOutOfRange, out.Year())
	}
	return out.Format(dateLayout) + end[8:], nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
