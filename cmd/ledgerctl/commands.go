package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	_ "github.com/lib/pq"

	"ledger-engine/internal/config"
	"ledger-engine/internal/domain"
	"ledger-engine/internal/importer"
	"ledger-engine/internal/server"
	"ledger-engine/migrations"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&importCmd{},
	&exportCmd{},
	&reconcileCmd{},
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withLedger builds the same wiring the server uses and releases it when fn
// returns.
func withLedger(ctx context.Context, verbose bool, fn func(*server.Server) error) subcommands.ExitStatus {
	srv, err := server.NewServer(ctx, config.Load(), newLogger(verbose))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer srv.Stop(context.Background())

	if err := fn(srv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type migrateCmd struct {
	list bool
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply pending schema migrations to postgres" }
func (*migrateCmd) Usage() string {
	return `ledgerctl migrate [-list]

  Connects with the DB_* settings and applies every embedded migration that
  schema_migrations does not list yet.
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.list, "list", false, "Only print the embedded migrations.")
}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.list {
		for _, name := range migrations.Names() {
			fmt.Println(name)
		}
		return subcommands.ExitSuccess
	}

	cfg := config.Load()
	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db, newLogger(true)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type importCmd struct {
	verbose bool
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "apply operations from a CSV file" }
func (*importCmd) Usage() string {
	return `ledgerctl import [-v] <file.csv | ->

  Applies one operation per CSV line. The first line names the columns:
  kind, amount, source_account_id, destination_account_id, customer_id,
  supplier_id, category_id, description and idempotency_key. A failing line
  is reported and does not stop the others. Exits non-zero if any line failed.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verbose, "v", false, "Log every applied operation.")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var in io.Reader = os.Stdin
	if name := f.Arg(0); name != "-" {
		file, err := os.Open(name)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer file.Close()
		in = file
	}

	failed := false
	status := withLedger(ctx, c.verbose, func(srv *server.Server) error {
		summary, err := srv.Importer.ImportCSV(ctx, in)
		if err != nil {
			return err
		}
		for _, row := range summary.Rows {
			if !row.Success {
				fmt.Fprintf(os.Stderr, "line %d: %s: %s\n", row.Row, row.ErrorKind, row.Message)
			}
		}
		fmt.Printf("applied %d, failed %d\n", summary.Applied, summary.Failed)
		failed = summary.Failed > 0
		return nil
	})
	if status == subcommands.ExitSuccess && failed {
		return subcommands.ExitFailure
	}
	return status
}

type exportCmd struct {
	kind      string
	status    string
	accountID int64
	from      string
	to        string
	output    string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "write operations as CSV" }
func (*exportCmd) Usage() string {
	return `ledgerctl export [-kind <kind>] [-status <status>] [-account <id>] [-from <date>] [-to <date>] [-o <file>]

  Writes matching operations, newest first. Dates are RFC 3339 or YYYY-MM-DD.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "Only operations of this kind.")
	f.StringVar(&c.status, "status", "", "Only operations in this status.")
	f.Int64Var(&c.accountID, "account", 0, "Only operations touching this account.")
	f.StringVar(&c.from, "from", "", "Earliest creation time.")
	f.StringVar(&c.to, "to", "", "Latest creation time.")
	f.StringVar(&c.output, "o", "-", "Output file, - for stdout.")
}

func (c *exportCmd) filter() (domain.OperationFilter, error) {
	filter := domain.OperationFilter{
		Kind:   domain.OperationKind(strings.ToLower(c.kind)),
		Status: domain.OperationStatus(strings.ToLower(c.status)),
	}
	if c.accountID != 0 {
		filter.AccountID = &c.accountID
	}
	for _, bound := range []struct {
		raw string
		dst **time.Time
	}{{c.from, &filter.From}, {c.to, &filter.To}} {
		if bound.raw == "" {
			continue
		}
		t, err := parseTime(bound.raw)
		if err != nil {
			return filter, err
		}
		*bound.dst = &t
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected RFC 3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	filter, err := c.filter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	var out io.Writer = os.Stdout
	if c.output != "-" {
		file, err := os.Create(c.output)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer file.Close()
		out = file
	}

	return withLedger(ctx, false, func(srv *server.Server) error {
		n, err := importer.ExportCSV(ctx, out, srv.Query, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d operations\n", n)
		return nil
	})
}

type reconcileCmd struct {
	resolve int64
	note    string
}

func (*reconcileCmd) Name() string { return "reconcile" }
func (*reconcileCmd) Synopsis() string {
	return "list operations awaiting manual reconciliation, or resolve one"
}
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile [-resolve <id> -note <text>]

  Without flags, prints the pending reconciliation items as JSON lines.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.resolve, "resolve", 0, "Id of the item to mark resolved.")
	f.StringVar(&c.note, "note", "", "What was done to resolve the item.")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withLedger(ctx, false, func(srv *server.Server) error {
		if c.resolve != 0 {
			if err := srv.Reconcile.Resolve(ctx, c.resolve, c.note); err != nil {
				return err
			}
			fmt.Printf("resolved %d\n", c.resolve)
			return nil
		}

		items, err := srv.Reconcile.Pending(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	})
}
