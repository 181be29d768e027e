package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/muesli/reflow/wordwrap"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"Fast-TileCache/internal/build"
	"Fast-TileCache/internal/ledger"
	"Fast-TileCache/internal/progress"
	"Fast-TileCache/internal/server"
	"Fast-TileCache/internal/storage"
)

const (
	CONFIG   string = `config`
	LOGLEVEL string = `logLevel`
	QUIET    string = `quiet`
	JSON     string = `json`
	ADDR     string = `addr`
	CLEAR    string = `clear`
)

// warningWidth wrap width of warnings.
const warningWidth = 72

func main() {
	app := cli.NewApp()
	app.Name = "Fast-TileCache"
	app.Usage = "Composite map layers into a GeoPackage or MBTiles tile cache"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "set config `file`",
			Value:   "conf.toml",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Aliases: []string{"l"},
			Usage:   "set log level (panic, fatal, error, warn, info, debug, trace)",
			Value:   "info",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
	}
	quiet := &cli.BoolFlag{
		Name:    QUIET,
		Aliases: []string{"q"},
		Usage:   "do not draw a progress bar",
		EnvVars: []string{strcase.ToScreamingSnake(QUIET)},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "build",
			Usage:  "Render every tile of the configured layers into the output container",
			Flags:  []cli.Flag{quiet},
			Action: buildAction,
		},
		{
			Name:  "plan",
			Usage: "Print the tile matrix and tile count without rendering",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    JSON,
					Usage:   "print the plan as JSON",
					EnvVars: []string{strcase.ToScreamingSnake(JSON)},
				},
			},
			Action: planAction,
		},
		{
			Name:  "serve",
			Usage: "Run a build while serving its status over HTTP",
			Flags: []cli.Flag{
				quiet,
				&cli.StringFlag{
					Name:    ADDR,
					Usage:   "listen address, overrides server.addr",
					EnvVars: []string{strcase.ToScreamingSnake(ADDR)},
				},
			},
			Action: serveAction,
		},
		{
			Name:  "failed",
			Usage: "List the tiles a layer failed on, as recorded in the redis ledger",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    CLEAR,
					Usage:   "remove the listed tiles from the ledger, the resume cursor is kept",
					EnvVars: []string{strcase.ToScreamingSnake(CLEAR)},
				},
			},
			Action: failedAction,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and the log.
func setup(c *cli.Context) (*Conf, error) {
	conf, err := loadConf(c.String(CONFIG))
	if err != nil {
		return nil, err
	}
	if err := initLog(conf.Output.LogDir, conf.Output.OutputTerminal, c.String(LOGLEVEL)); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return conf, nil
}

// job one build and what it depends on.
type job struct {
	build  *build.Build
	store  storage.Store
	ledger ledger.Ledger
}

func (j *job) Close() {
	if j.store != nil {
		if err := j.store.Close(); err != nil {
			log.Errorf("close output failure ~ %s", err)
		}
	}
	if err := j.ledger.Close(); err != nil {
		log.Warnf("close ledger failure ~ %s", err)
	}
}

// newJob creates the build. Without withStore it can only compute the tile matrix.
func newJob(conf *Conf, status progress.Func, withStore bool) (*job, error) {
	layers, err := conf.layers()
	if err != nil {
		return nil, err
	}
	opts, err := conf.options(layers)
	if err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	j := &job{ledger: ledger.Nop{}}
	if withStore {
		if j.store, err = openStore(conf.Output, log.StandardLogger()); err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		j.ledger = openLedger(conf.Ledger, opts.ID, log.StandardLogger())
	}
	j.build = build.New(build.Config{
		Options: opts,
		Layers:  layers,
		Store:   j.store,
		Ledger:  j.ledger,
		Status:  status,
		Logger:  log.StandardLogger(),
	})
	return j, nil
}

// console shows a progress bar and warnings in the terminal.
type console struct {
	mu      sync.Mutex
	quiet   bool
	bar     *pb.ProgressBar
	warning string
}

func (c *console) status(s progress.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Warning != "" && s.Warning != c.warning {
		c.warning = s.Warning
		fmt.Fprintln(os.Stderr, wordwrap.String(s.Warning, warningWidth))
	}
	if c.quiet {
		return
	}
	if s.State == progress.GeneratingTiles && c.bar == nil {
		c.bar = pb.Full.Start(s.Total)
		c.bar.Set("prefix", "Tiles ")
	}
	if c.bar == nil {
		return
	}
	if s.State == progress.Completed {
		c.bar.SetCurrent(int64(s.Total))
	} else if s.Processed > 0 {
		c.bar.SetCurrent(int64(s.Processed))
	}
	if s.State.Terminal() {
		c.bar.Finish()
		c.bar = nil
	}
}

// run runs the build and cancels it on interrupt.
func run(ctx context.Context, j *job) error {
	res, err := j.build.Run(ctx)
	switch {
	case errors.Is(err, build.ErrCancelled):
		log.Warnf("build %s cancelled after %d tiles, run again with the same build id to resume", res.ID, res.Written+res.Skipped)
		return cli.Exit("cancelled", 130)
	case err != nil:
		return err
	}
	log.Infof("build %s finished: %d of %d tiles written, %d blank, %d skipped, %d with failed layers",
		res.ID, res.Written, res.Total, res.Blank, res.Skipped, res.Failed)
	if len(res.Slow) > 0 {
		log.Warnf("slow layers: %s", progress.JoinNames(res.Slow))
	}
	return nil
}

func buildAction(c *cli.Context) error {
	conf, err := setup(c)
	if err != nil {
		return err
	}
	ui := &console{quiet: c.Bool(QUIET)}
	j, err := newJob(conf, ui.status, true)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("build %s started", j.build.ID())
	return run(ctx, j)
}

func planAction(c *cli.Context) error {
	conf, err := setup(c)
	if err != nil {
		return err
	}
	j, err := newJob(conf, nil, false)
	if err != nil {
		return err
	}
	m, content, ok := j.build.Compute()
	plan := server.NewPlan(j.build.ID(), m)
	if c.Bool(JSON) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	for _, z := range plan.Zooms {
		fmt.Printf("zoom %2d: %d tiles\n", z.Zoom, z.Count)
		for _, s := range z.Sets {
			fmt.Printf("    %v\n", s)
		}
	}
	fmt.Printf("total: %d tiles\n", plan.Total)
	if ok {
		fmt.Printf("content extent: %.6f,%.6f,%.6f,%.6f\n", content[0], content[1], content[2], content[3])
	}
	return nil
}

func serveAction(c *cli.Context) error {
	conf, err := setup(c)
	if err != nil {
		return err
	}
	addr := conf.Server.Addr
	if c.String(ADDR) != "" {
		addr = c.String(ADDR)
	}
	ui := &console{quiet: c.Bool(QUIET)}
	j, err := newJob(conf, ui.status, true)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(ctx, addr, j.build, log.StandardLogger())
	}()

	if err := run(ctx, j); err != nil {
		return err
	}
	log.Infof("status server still running on %s, interrupt to exit", addr)
	return <-errc
}

func failedAction(c *cli.Context) error {
	conf, err := setup(c)
	if err != nil {
		return err
	}
	if conf.Ledger.Redis == "" {
		return errors.New("ledger.redis is not configured")
	}
	if conf.Build.ID == "" {
		return errors.New("build.id is not configured")
	}
	l := openLedger(conf.Ledger, conf.Build.ID, log.StandardLogger())
	defer l.Close()

	n, err := listFailed(c.Context, l, os.Stdout, c.Bool(CLEAR))
	if err != nil {
		return err
	}
	log.Infof("%d failed tiles in build %s", n, conf.Build.ID)
	return nil
}

// listFailed prints the failed tiles of the ledger. With remove every printed
// entry is deleted; the resume cursor stays.
func listFailed(ctx context.Context, l ledger.Ledger, w io.Writer, remove bool) (int, error) {
	failed, err := l.Failed(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range failed {
		fmt.Fprintf(w, "%d/%d/%d %s\n", e.Z, e.X, e.Y, e.Res)
		if remove {
			if err := l.ClearFail(ctx, e); err != nil {
				return 0, fmt.Errorf("clear %d/%d/%d: %w", e.Z, e.X, e.Y, err)
			}
		}
	}
	return len(failed), nil
}
