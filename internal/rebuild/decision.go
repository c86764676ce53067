package rebuild

import "strconv"

// Snapshot is what a run observes before deciding: the values it would
// persist as RunState plus facts that only matter for the decision.
type Snapshot struct {
	State RunState

	EventsDirExists    bool
	TimezonesDirExists bool
	OutputExists       bool
}

type Decision struct {
	Needed  bool
	Reasons []string
}

// signal is one staleness input: it fires when prev and cur differ.
type signal struct {
	name      string
	prev, cur string
}

const (
	present = "present"
	missing = "missing"
)

func presence(ok bool) string {
	if ok {
		return present
	}
	return missing
}

func extractionSignals(prev RunState, cur Snapshot) []signal {
	c := cur.State
	return []signal{
		{"mailbox changed", prev.MailboxSum, c.MailboxSum},
		{"vevents dir missing", present, presence(cur.EventsDirExists)},
		{"vtimezones dir missing", present, presence(cur.TimezonesDirExists)},
		{"date index changed", prev.DateIndexSum, c.DateIndexSum},
		{"tz index changed", prev.TimezoneIndexSum, c.TimezoneIndexSum},
		{"alarm flag changed", strconv.FormatBool(prev.Alarm), strconv.FormatBool(c.Alarm)},
		{"fix-encoding flag changed", strconv.FormatBool(prev.FixEncoding), strconv.FormatBool(c.FixEncoding)},
	}
}

func assemblySignals(prev RunState, cur Snapshot) []signal {
	c := cur.State
	sigs := []signal{
		{"vevents changed", prev.EventsSum, c.EventsSum},
		{"vtimezones changed", prev.TimezonesSum, c.TimezonesSum},
		{"date index changed", prev.DateIndexSum, c.DateIndexSum},
		{"tz index changed", prev.TimezoneIndexSum, c.TimezoneIndexSum},
		{"not-before changed", prev.NotBefore, c.NotBefore},
		{"not-after changed", prev.NotAfter, c.NotAfter},
		{"output path changed", prev.Output, c.Output},
	}
	if c.Output != "" {
		sigs = append(sigs, signal{"output file missing", present, presence(cur.OutputExists)})
	}
	return sigs
}

// DecideExtraction reports whether the record cache has to be rebuilt from
// the mailbox.
func DecideExtraction(force bool, prev RunState, cur Snapshot) Decision {
	return decide(force, extractionSignals(prev, cur))
}

// DecideAssembly reports whether the output document has to be written.
// cur must carry the cache checksums as they are after any extraction.
// Writing to stdout always assembles.
func DecideAssembly(force bool, prev RunState, cur Snapshot) Decision {
	d := decide(force, assemblySignals(prev, cur))
	if cur.State.Output == "" {
		d.Needed = true
		d.Reasons = append(d.Reasons, "stdout")
	}
	return d
}

func decide(force bool, sigs []signal) Decision {
	var d Decision
	if force {
		d.Reasons = append(d.Reasons, "forced")
	}
	for _, s := range sigs {
		if s.prev != s.cur {
			d.Reasons = append(d.Reasons, s.name)
		}
	}
	d.Needed = len(d.Reasons) > 0
	return d
}
