package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/scriptd/app/executor"
	"github.com/umputun/scriptd/app/history"
	"github.com/umputun/scriptd/app/jobs"
	"github.com/umputun/scriptd/app/notify"
	"github.com/umputun/scriptd/app/sched"
	"github.com/umputun/scriptd/app/scripts"
	"github.com/umputun/scriptd/app/web"
)

var opts struct {
	Location    string        `short:"l" long:"location" env:"SCRIPTD_LOCATION" default:"./var" description:"data location for jobs, scripts and history"`
	Interpreter string        `short:"i" long:"interpreter" env:"SCRIPTD_INTERPRETER" default:"python3" description:"default script interpreter"`
	Timeout     time.Duration `long:"timeout" env:"SCRIPTD_TIMEOUT" default:"5m" description:"hard per-script deadline"`
	Budget      time.Duration `long:"budget" env:"SCRIPTD_BUDGET" default:"20s" description:"synchronous wait budget before detaching to background"`
	MaxOutput   int           `long:"max-output" env:"SCRIPTD_MAX_OUTPUT" default:"1000" description:"max captured output lines per stream"`
	Dbg         bool          `long:"dbg" env:"SCRIPTD_DEBUG" description:"debug mode"`

	Web struct {
		Address  string `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of the api password, empty disables auth"`
	} `group:"web" namespace:"web" env-namespace:"SCRIPTD_WEB"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat a failed run"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial repeat duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"SCRIPTD_REPEATER"`

	Notify struct {
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"callback delivery timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"SCRIPTD_NOTIFY"`

	History struct {
		Keep int `long:"keep" env:"KEEP" default:"1000" description:"max history records to keep, 0 disables cleanup"`
	} `group:"history" namespace:"history" env-namespace:"SCRIPTD_HISTORY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable log to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"scriptd.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated log files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"SCRIPTD_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("scriptd %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] scriptd failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	registry, err := jobs.NewRegistry(opts.Location)
	if err != nil {
		return fmt.Errorf("can't make job registry: %w", err)
	}

	scriptStore, err := scripts.NewStore(filepath.Join(opts.Location, "scripts"))
	if err != nil {
		return fmt.Errorf("can't make script store: %w", err)
	}

	hist, err := history.NewStore(filepath.Join(opts.Location, "history.db"))
	if err != nil {
		return fmt.Errorf("can't make history store: %w", err)
	}
	defer func() {
		if err := hist.Close(); err != nil {
			log.Printf("[WARN] failed to close history store: %v", err)
		}
	}()

	if opts.History.Keep > 0 {
		if err := hist.Cleanup(opts.History.Keep); err != nil {
			log.Printf("[WARN] history cleanup failed: %v", err)
		}
	}

	exec := executor.New(opts.Interpreter, opts.MaxOutput)
	exec.Repeater = makeRepeater()

	runner := &jobs.Runner{Registry: registry, Budget: opts.Budget}

	srv := &web.Server{
		Registry:   registry,
		Runner:     runner,
		Executor:   exec,
		Scripts:    scriptStore,
		History:    hist,
		Callbacks:  notify.NewService(opts.Notify.Timeout),
		Version:    revision,
		AuthHash:   opts.Web.AuthHash,
		RunTimeout: opts.Timeout,
	}
	runner.OnSettle = srv.JobSettled

	scheduler := sched.Scheduler{
		Cron:     cron.New(),
		Scripts:  scriptStore,
		Runner:   runner,
		Executor: exec,
		Timeout:  opts.Timeout,
	}
	go func() {
		if err := scheduler.Do(ctx); err != nil {
			log.Printf("[WARN] scheduler terminated, %v", err)
		}
	}()

	return srv.Run(ctx, opts.Web.Address)
}

func makeRepeater() executor.Repeater {
	if opts.Repeater.Attempts <= 1 {
		return nil
	}
	return repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
}

// setupLogs configures logging, to stdout by default and to a rotated file
// when enabled. Returns the log writer for tests.
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	out := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(out))
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
