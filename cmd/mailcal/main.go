package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"mailcal/internal/config"
	"mailcal/internal/ics"
	appLog "mailcal/internal/log"
	"mailcal/internal/maildir"
	"mailcal/internal/rebuild"
	"mailcal/internal/web"
)

// flagConfig holds CLI flag values. Flags that were set override the
// config file.
type flagConfig struct {
	configPath  string
	maildir     string
	output      string
	force       bool
	alarm       bool
	fixEncoding bool
	notBefore   int
	notAfter    int
	once        bool
	verbose     bool

	set map[string]bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	flags.apply(conf)

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	cacheRoot, err := conf.CacheRoot()
	if err != nil {
		appLog.Error("failed to resolve cache dir", err)
		return 1
	}

	appLog.Debug("effective config",
		"maildir", conf.Maildir,
		"output", conf.Output,
		"cache", cacheRoot,
		"not_before_days", conf.NotBeforeDays,
		"not_after_days", conf.NotAfterDays,
		"alarm", conf.Alarm,
		"fix_encoding", conf.FixEncoding,
		"schedule", conf.Schedule,
		"listen", conf.Listen,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With SIGPIPE handled, writes to a closed stdout fail with EPIPE
	// instead of killing the process.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGPIPE)

	ctrl := rebuild.New(&maildir.Walker{Root: conf.Maildir}, cacheRoot)
	p := &pipeline{ctrl: ctrl, conf: conf, force: flags.force}

	if flags.once || conf.Schedule == "" {
		if _, err := p.run(ctx); err != nil {
			appLog.Error("run failed", err)
			return 1
		}
		return 0
	}

	if conf.Output == "" {
		appLog.Warn("scheduled mode writes to stdout on every run; set output to write a file")
	}

	var srv *web.Server
	if conf.Listen != "" {
		srv = web.NewServer(conf)
		p.onResult = srv.Record
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				appLog.Error("http server stopped", err)
			}
		}()
	}

	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(conf.Schedule, func() {
		if _, err := p.run(ctx); err != nil {
			appLog.Error("scheduled run failed", err)
		}
	}); err != nil {
		appLog.Error("invalid schedule", err, "schedule", conf.Schedule)
		return 1
	}

	if _, err := p.run(ctx); err != nil {
		appLog.Error("initial run failed", err)
	}

	c.Start()
	appLog.Info("mailcal scheduled", "schedule", conf.Schedule)

	<-ctx.Done()
	appLog.Info("signal received, shutting down")
	<-c.Stop().Done()
	return 0
}

// pipeline runs the controller with options derived from the config at
// call time. force only applies to the first run.
type pipeline struct {
	ctrl     *rebuild.Controller
	conf     *config.Config
	onResult func(rebuild.Result, error)

	mu    sync.Mutex
	force bool
}

func (p *pipeline) run(ctx context.Context) (rebuild.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	opts := rebuild.Options{
		Mailbox:     p.conf.Maildir,
		Output:      p.conf.Output,
		Stdout:      os.Stdout,
		Force:       p.force,
		Alarm:       p.conf.Alarm,
		FixEncoding: p.conf.FixEncoding,
		Validate:    p.conf.Validate,
		Window:      ics.NewWindow(now, p.conf.NotBeforeDays, p.conf.NotAfterDays),
		Now:         now,
	}
	p.force = false

	res, err := p.ctrl.Run(ctx, opts)
	if p.onResult != nil {
		p.onResult(res, err)
	}
	if err == nil {
		appLog.Info("run finished",
			"extracted", res.Extracted,
			"assembled", res.Assembled,
			"events", res.Events,
			"timezones", res.Timezones,
		)
	}
	return res, err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath(), "Path to config file")
	flag.StringVar(&cfg.maildir, "maildir", "", "Maildir root (overrides config)")
	flag.StringVar(&cfg.output, "output", "", "Calendar file to write; empty writes to stdout (overrides config)")
	flag.BoolVar(&cfg.force, "force", false, "Re-extract and re-assemble regardless of cached state")
	flag.BoolVar(&cfg.alarm, "alarm", false, "Add a 5-minute display alarm to upcoming events")
	flag.BoolVar(&cfg.fixEncoding, "fix-encoding", false, "Try to repair double-encoded UTF-8 text")
	flag.IntVar(&cfg.notBefore, "not-before", config.DefaultNotBeforeDays, "Drop events that ended more than this many days ago")
	flag.IntVar(&cfg.notAfter, "not-after", config.DefaultNotAfterDays, "Drop events starting more than this many days ahead")
	flag.BoolVar(&cfg.once, "once", false, "Run once and exit even if a schedule is configured")
	flag.BoolVar(&cfg.verbose, "v", false, "Debug logging")

	flag.Parse()

	cfg.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	return cfg
}

func (f flagConfig) apply(c *config.Config) {
	if f.set["maildir"] {
		c.Maildir = f.maildir
	}
	if f.set["output"] {
		c.Output = f.output
	}
	if f.set["alarm"] {
		c.Alarm = f.alarm
	}
	if f.set["fix-encoding"] {
		c.FixEncoding = f.fixEncoding
	}
	if f.set["not-before"] {
		c.NotBeforeDays = f.notBefore
	}
	if f.set["not-after"] {
		c.NotAfterDays = f.notAfter
	}
	c.Normalize()
}

// cronLogger routes cron's own messages into the app log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
