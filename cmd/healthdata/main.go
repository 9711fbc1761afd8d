// Command healthdata is the operator CLI for the health-data store.
//
//	healthdata [-config path] [-v] init
//	healthdata [-config path] [-v] update
//	healthdata [-config path] [-v] status
//	healthdata [-config path] [-v] backups
//	healthdata [-config path] [-v] restore [latest|name|path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/fetcher"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/store"
)

const usage = `usage: healthdata [-config path] [-v] <command>

commands:
  init              create the schema (idempotent)
  update            fetch the sheet and rebuild the store
  status            show store status, row counts and file size
  backups           list sqlite backups, newest first
  restore [ref]     restore a sqlite backup (default: latest)
`

var commands = map[string]bool{
	"init": true, "update": true, "status": true, "backups": true, "restore": true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("healthdata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to config.yaml")
	verbose := fs.Bool("v", false, "verbose (debug) logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if !commands[cmd] {
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(stderr, "warning:", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, core.FormatUserError(err))
		fmt.Fprintln(stderr, err)
		return 1
	}

	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	slog.SetDefault(logging.New(stderr, level, cfg.Logging.Format))

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()

	engine, err := core.NewEngine(st, fetcher.New(cfg.Fetch, nil), cfg, nil)
	if err != nil {
		return fail(stderr, err)
	}
	defer engine.Close()

	ctx = core.ContextWithTrigger(ctx, core.TriggerCLI)

	switch cmd {
	case "init":
		err = cmdInit(ctx, engine, stdout)
	case "update":
		err = cmdUpdate(ctx, engine, stdout)
	case "status":
		err = cmdStatus(ctx, engine, stdout)
	case "backups":
		err = cmdBackups(engine, stdout)
	case "restore":
		ref := ""
		if len(rest) > 0 {
			ref = rest[0]
		}
		err = cmdRestore(ctx, engine, ref, stdout)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(w io.Writer, err error) int {
	fmt.Fprintln(w, "error:", core.FormatUserError(err))
	slog.Debug("command failed", "error", err)
	return 1
}

func cmdInit(ctx context.Context, e *core.Engine, w io.Writer) error {
	if err := e.CreateSchema(ctx); err != nil {
		return err
	}
	rep, err := e.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema ready on %s (status %s)\n", rep.Backend, rep.Status)
	return nil
}

func cmdUpdate(ctx context.Context, e *core.Engine, w io.Writer) error {
	res, err := e.Update(ctx)
	if err != nil {
		if errors.Is(err, core.ErrUpdateInProgress) {
			return err
		}
		fmt.Fprintf(w, "update %s failed after %s\n", res.RunID, res.Duration().Round(time.Millisecond))
		if res.Backup != nil {
			fmt.Fprintf(w, "previous data restored from %s\n", res.Backup.Name())
		}
		return err
	}

	fmt.Fprintf(w, "update %s completed in %s\n", res.RunID, res.Duration().Round(time.Millisecond))
	if res.Migrated {
		fmt.Fprintln(w, "source: sqlite migration")
	}
	fmt.Fprintf(w, "  rows read:       %s\n", humanize.Comma(int64(res.Counts.RowsRead)))
	fmt.Fprintf(w, "  records:         %s\n", humanize.Comma(int64(res.Counts.Records)))
	fmt.Fprintf(w, "  alcohol events:  %s\n", humanize.Comma(int64(res.Counts.AlcoholEvents)))
	fmt.Fprintf(w, "  weeks:           %s\n", humanize.Comma(int64(res.Counts.Weeks)))
	fmt.Fprintf(w, "  spans:           %s\n", humanize.Comma(int64(res.Counts.Spans)))
	fmt.Fprintf(w, "  parse findings:  %d\n", len(res.ParseErrors))
	fmt.Fprintf(w, "  flagged rows:    %d\n", res.Flagged())
	for _, ve := range res.Errors {
		fmt.Fprintf(w, "    row %d: %s: %s\n", ve.Row, ve.Kind, ve.Message)
	}
	return nil
}

func cmdStatus(ctx context.Context, e *core.Engine, w io.Writer) error {
	rep, err := e.Status(ctx)
	if err != nil {
		return err
	}
	counts, err := e.RowCounts(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "backend:\t%s\n", rep.Backend)
	fmt.Fprintf(tw, "status:\t%s\n", rep.Status)
	if rep.LastUpdated != nil {
		fmt.Fprintf(tw, "last updated:\t%s (%s)\n", rep.LastUpdated.Format("2006-01-02 15:04:05 MST"), humanize.Time(*rep.LastUpdated))
	} else {
		fmt.Fprintf(tw, "last updated:\tnever\n")
	}
	if s, ok := e.Store().(*store.SQLiteStore); ok {
		if size, err := s.FileSize(); err == nil {
			fmt.Fprintf(tw, "file:\t%s (%s)\n", s.Path(), humanize.IBytes(uint64(size)))
		}
	}
	for _, table := range []string{store.TableRawEvents, store.TableAlcoholEvents, store.TableWeekly} {
		fmt.Fprintf(tw, "%s:\t%s rows\n", table, humanize.Comma(counts[table]))
	}
	return tw.Flush()
}

func cmdBackups(e *core.Engine, w io.Writer) error {
	backups, err := e.Backups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(w, "no backups")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tSIZE")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name(), humanize.Time(b.CreatedAt), humanize.IBytes(uint64(b.Size)))
	}
	return tw.Flush()
}

func cmdRestore(ctx context.Context, e *core.Engine, ref string, w io.Writer) error {
	b, err := e.Restore(ctx, ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "restored %s (%s, %s)\n", b.Name(), humanize.Time(b.CreatedAt), humanize.IBytes(uint64(b.Size)))
	return nil
}
