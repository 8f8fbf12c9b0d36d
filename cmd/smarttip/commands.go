package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/smarttip/internal/bill"
	"github.com/zombor/smarttip/internal/tipping"
)

// serveCommand runs the HTTP API and the embedded web UI
func serveCommand(rootFlags *ff.FlagSet, cfg rootConfig) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(rootFlags)
	var (
		port       = fs.IntLong("port", 8080, "HTTP server port")
		dbPath     = fs.StringLong("db", "smarttip.db", "Scan history database file path")
		authUser   = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass   = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		sessionTTL = fs.DurationLong("session-ttl", tipping.DefaultSessionTTL, "How long idle sessions are kept")
	)

	return &ff.Command{
		Name:      "serve",
		Usage:     "smarttip serve [FLAGS]",
		ShortHelp: "start the web calculator",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			slog.Info("Initializing database...", "path", *dbPath)
			db, err := tipping.NewBoltDB(*dbPath)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer db.Close()

			scanner, err := newScanner(cfg)
			if err != nil {
				return fmt.Errorf("initializing scanner: %w", err)
			}
			defer scanner.Close()

			service := tipping.NewService(db, scanner, tipping.Config{
				ScanTimeout: *cfg.scanTimeout,
				SessionTTL:  *sessionTTL,
			})
			server := tipping.NewServer(service, tipping.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			})

			addr := fmt.Sprintf(":%d", *port)
			errc := make(chan error, 1)
			go func() {
				errc <- server.Start(addr)
			}()

			slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}

			select {
			case err := <-errc:
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}

			slog.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

// calcCommand prints the breakdown for a bill given on the command line
func calcCommand(rootFlags *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("calc").SetParent(rootFlags)
	var (
		amount   = fs.StringLong("amount", "0", "Bill amount before tip")
		tip      = fs.StringLong("tip", strconv.Itoa(bill.DefaultTipPercentage), "Tip percentage")
		people   = fs.IntLong("people", bill.MinPeople, "Number of people splitting the bill")
		currency = fs.StringLong("currency", bill.DefaultCurrency, "Currency symbol used for display")
	)

	return &ff.Command{
		Name:      "calc",
		Usage:     "smarttip calc --amount 100 --tip 20 --people 4",
		ShortHelp: "calculate tip and split for a bill",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			tipPct, err := strconv.ParseFloat(*tip, 64)
			if err != nil {
				return fmt.Errorf("parsing tip percentage %q: %w", *tip, err)
			}

			b := bill.New()
			b.Amount = bill.ParseAmount(*amount)
			b.Currency = *currency
			b = bill.WithTipPercentage(b, tipPct)
			b = bill.AdjustPeopleCount(b, *people-b.PeopleCount)

			printBreakdown(os.Stdout, b)
			return nil
		},
	}
}

// scanCommand reads a receipt file and prints what the model extracted
func scanCommand(rootFlags *ff.FlagSet, cfg rootConfig) *ff.Command {
	fs := ff.NewFlagSet("scan").SetParent(rootFlags)
	var (
		tip    = fs.StringLong("tip", strconv.Itoa(bill.DefaultTipPercentage), "Tip percentage")
		people = fs.IntLong("people", bill.MinPeople, "Number of people splitting the bill")
	)

	return &ff.Command{
		Name:      "scan",
		Usage:     "smarttip scan [FLAGS] <receipt image>",
		ShortHelp: "read the total from a receipt photo and split it",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("scan takes exactly one receipt file")
			}
			tipPct, err := strconv.ParseFloat(*tip, 64)
			if err != nil {
				return fmt.Errorf("parsing tip percentage %q: %w", *tip, err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading receipt: %w", err)
			}

			scanner, err := newScanner(cfg)
			if err != nil {
				return fmt.Errorf("initializing scanner: %w", err)
			}
			defer scanner.Close()

			sess := tipping.NewSession("cli", time.Now())
			sess.SetTipPercentage(tipPct)
			sess.AdjustPeople(*people - bill.MinPeople)

			scanCtx, attempt, err := sess.BeginScan(ctx)
			if err != nil {
				return err
			}
			timeout := *cfg.scanTimeout
			if timeout <= 0 {
				timeout = tipping.DefaultScanTimeout
			}
			scanCtx, cancel := context.WithTimeout(scanCtx, timeout)
			defer cancel()

			result, scanErr := scanner.ScanReceipt(scanCtx, data, mime.TypeByExtension(filepath.Ext(args[0])))
			if scanErr != nil {
				slog.Debug("Scan failed", "file", args[0], "error", scanErr)
			}

			state, outcome := sess.FinishScan(attempt, result, scanErr)
			if outcome != tipping.OutcomeSuccess {
				return fmt.Errorf("%s (%s)", state.Error, outcome)
			}

			printBreakdown(os.Stdout, state.Bill)
			return nil
		},
	}
}

// printBreakdown writes the calculator's result card
func printBreakdown(w io.Writer, b bill.Bill) {
	d := bill.Format(bill.Recalculate(b), b.Currency)
	fmt.Fprintf(w, "Bill amount:      %s\n", bill.FormatMoney(b.Amount, b.Currency))
	fmt.Fprintf(w, "Tip:              %s%%\n", strconv.FormatFloat(b.TipPercentage, 'f', -1, 64))
	fmt.Fprintf(w, "People:           %d\n", b.PeopleCount)
	fmt.Fprintf(w, "Total per person: %s\n", d.TotalPerPerson)
	fmt.Fprintf(w, "Total bill:       %s\n", d.TotalAmount)
	fmt.Fprintf(w, "Total tip:        %s\n", d.TipAmount)
	fmt.Fprintf(w, "Tip / person:     %s\n", d.TipPerPerson)
}
