// Package rebuild runs the extract/assemble pipeline and skips whatever
// the previous run already produced.
package rebuild

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"mailcal/internal/checksum"
	"mailcal/internal/ics"
	appLog "mailcal/internal/log"
	"mailcal/internal/model"
	"mailcal/internal/store"
)

// Source yields the calendar documents of a mailbox.
type Source interface {
	Documents(ctx context.Context, fn func(model.RawCalendarDocument) error) error
}

type Options struct {
	Mailbox string
	Output  string // "" writes to Stdout
	Stdout  io.Writer

	Force       bool
	Alarm       bool
	FixEncoding bool
	Validate    bool

	Window ics.Window
	Now    time.Time
}

type Result struct {
	Extracted bool
	Assembled bool

	ExtractReasons  []string
	AssembleReasons []string

	Events    int // events written to the output
	Timezones int
	Filtered  int

	StoredEvents    int // records stored during extraction
	StoredTimezones int
	Dropped         int

	Validation *ics.ValidationReport
	Finished   time.Time
}

type Controller struct {
	Source Source
	Store  *store.Store
}

func New(src Source, cacheDir string) *Controller {
	return &Controller{Source: src, Store: store.Open(cacheDir)}
}

func (c *Controller) StatePath() string {
	return filepath.Join(c.Store.Root(), StateFile)
}

// Run executes one pass. RunState is only written at the very end, so an
// error or cancellation leaves the previous state in place.
func (c *Controller) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	prev, ok, err := LoadState(c.StatePath())
	if err != nil {
		appLog.Warn("previous run state unreadable, starting fresh", "err", err)
		prev, ok = RunState{}, false
	}
	if !ok {
		appLog.Debug("no previous run state", "path", c.StatePath())
	}

	cur, err := c.observe(opts)
	if err != nil {
		return res, err
	}

	var dates map[string]model.DateRange
	var zones map[string][]string

	ext := DecideExtraction(opts.Force, prev, cur)
	if !ext.Needed {
		dates, zones, ext = c.loadIndexes(ext)
	}
	res.ExtractReasons = ext.Reasons

	if ext.Needed {
		appLog.Info("extracting calendar records", "reasons", ext.Reasons)
		extraction, err := c.extract(ctx, opts, &cur)
		if err != nil {
			return res, err
		}
		dates, zones = extraction.Dates, extraction.Zones
		res.Extracted = true
		res.StoredEvents = extraction.Events
		res.StoredTimezones = extraction.Timezones
		res.Dropped = extraction.Dropped
	} else {
		appLog.Debug("record cache up to date")
	}

	if cur.State.EventsSum, err = checksum.Dir(c.Store.EventsPath()); err != nil {
		return res, err
	}
	if cur.State.TimezonesSum, err = checksum.Dir(c.Store.TimezonesPath()); err != nil {
		return res, err
	}

	asm := DecideAssembly(opts.Force, prev, cur)
	res.AssembleReasons = asm.Reasons
	if asm.Needed {
		appLog.Info("assembling calendar", "reasons", asm.Reasons, "output", outputName(opts.Output))
		if err := c.assemble(ctx, opts, dates, zones, &res); err != nil {
			return res, err
		}
		res.Assembled = true
	} else {
		appLog.Debug("output up to date", "output", opts.Output)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	// The state is saved after an extraction even when the output was left
	// alone. This differs from saving only on output writes: without it a
	// touched mailbox whose records come out identical would be re-walked
	// on every later run.
	if res.Extracted || res.Assembled {
		if err := SaveState(c.StatePath(), cur.State); err != nil {
			return res, err
		}
	}
	res.Finished = time.Now()
	return res, nil
}

func (c *Controller) observe(opts Options) (Snapshot, error) {
	var s Snapshot
	var err error

	s.State = RunState{
		Alarm:       opts.Alarm,
		FixEncoding: opts.FixEncoding,
		NotBefore:   opts.Window.NotBefore,
		NotAfter:    opts.Window.NotAfter,
		Output:      opts.Output,
	}
	if s.State.MailboxSum, err = checksum.Dir(opts.Mailbox); err != nil {
		return s, errors.Wrap(err, "checksum mailbox")
	}
	if s.State.DateIndexSum, err = checksum.File(c.Store.DateIndexPath()); err != nil {
		return s, err
	}
	if s.State.TimezoneIndexSum, err = checksum.File(c.Store.TimezoneIndexPath()); err != nil {
		return s, err
	}
	s.EventsDirExists, s.TimezonesDirExists = c.Store.Exists()

	if opts.Output != "" {
		_, err := os.Stat(opts.Output)
		switch {
		case err == nil:
			s.OutputExists = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return s, errors.Wrapf(err, "stat output %s", opts.Output)
		}
	}
	return s, nil
}

// loadIndexes reads both index files. A corrupt index turns the decision
// into an extraction.
func (c *Controller) loadIndexes(d Decision) (map[string]model.DateRange, map[string][]string, Decision) {
	dates, err := c.Store.ReadDateIndex()
	if err != nil {
		appLog.Warn("date index unusable, re-extracting", "err", err)
		d.Needed = true
		d.Reasons = append(d.Reasons, "date-index corrupt")
		dates = nil
	}
	zones, err := c.Store.ReadTimezoneIndex()
	if err != nil {
		appLog.Warn("tz index unusable, re-extracting", "err", err)
		d.Needed = true
		d.Reasons = append(d.Reasons, "tz-index corrupt")
		zones = nil
	}
	return dates, zones, d
}

func (c *Controller) extract(ctx context.Context, opts Options, cur *Snapshot) (*ics.Extraction, error) {
	if err := c.Store.Reset(); err != nil {
		return nil, err
	}

	x := ics.NewExtractor(c.Store, ics.ExtractOptions{
		Alarm:       opts.Alarm,
		FixEncoding: opts.FixEncoding,
		Now:         opts.Now,
	})
	err := c.Source.Documents(ctx, func(doc model.RawCalendarDocument) error {
		return x.Extract(doc)
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk mailbox")
	}

	res := x.Result()
	if cur.State.DateIndexSum, err = c.Store.WriteDateIndex(res.Dates); err != nil {
		return nil, err
	}
	if cur.State.TimezoneIndexSum, err = c.Store.WriteTimezoneIndex(res.Zones); err != nil {
		return nil, err
	}
	cur.EventsDirExists, cur.TimezonesDirExists = true, true

	appLog.Info("extraction done", "events", res.Events, "timezones", res.Timezones, "dropped", res.Dropped)
	return res, nil
}

func (c *Controller) assemble(ctx context.Context, opts Options, dates map[string]model.DateRange, zones map[string][]string, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a := &ics.Assembler{Store: c.Store, Dates: dates, Zones: zones}

	if opts.Output == "" {
		st, err := a.Assemble(opts.Stdout, opts.Window, "\n")
		if errors.Is(err, ics.ErrBrokenPipe) {
			appLog.Debug("stdout closed early")
			err = nil
		}
		if err != nil {
			return err
		}
		res.Events, res.Timezones, res.Filtered = st.Events, st.Timezones, st.Filtered
		return nil
	}

	var buf bytes.Buffer
	st, err := a.Assemble(&buf, opts.Window, "\r\n")
	if err != nil {
		return err
	}
	res.Events, res.Timezones, res.Filtered = st.Events, st.Timezones, st.Filtered

	if opts.Validate {
		rep, err := ics.Validate(bytes.NewReader(buf.Bytes()))
		if err != nil {
			appLog.Warn("assembled calendar failed validation", "err", err)
		} else {
			appLog.Info("assembled calendar validated", "events", rep.Events, "timezones", rep.Timezones, "missing_uid", rep.MissingUID)
			res.Validation = &rep
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	if err := atomic.WriteFile(opts.Output, &buf); err != nil {
		return errors.Wrapf(err, "write output %s", opts.Output)
	}
	appLog.Info("calendar written", "output", opts.Output, "events", st.Events, "timezones", st.Timezones, "filtered", st.Filtered)
	return nil
}

func outputName(path string) string {
	if path == "" {
		return "stdout"
	}
	return path
}
