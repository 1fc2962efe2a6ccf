// Команда migrate применяет, откатывает и показывает миграции схемы PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artisanmarket/marketplace/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: MARKET_POSTGRES_DSN)")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("MARKET_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, errors.New("MARKET_POSTGRES_DSN (or -dsn) is required")
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open postgres store: %v\n", err)
		return 1
	}
	defer store.Close()

	migrator := postgres.NewMigrator(store, nil)

	switch opts.direction {
	case "up":
		err = migrator.Up(ctx, opts.steps)
	case "down":
		err = migrator.Down(ctx, opts.steps)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate %s failed: %v\n", opts.direction, err)
		return 1
	}

	states, err := migrator.Status(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migration status failed: %v\n", err)
		return 1
	}
	printStatus(stdout, states)
	return 0
}

func printStatus(w io.Writer, states []postgres.MigrationState) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
	applied := 0
	for _, st := range states {
		at := "pending"
		if st.Applied {
			applied++
			at = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", st.Version, st.Name, at)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "applied %d of %d migrations\n", applied, len(states))
}
