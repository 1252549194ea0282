package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/term"

	"github.com/gregLibert/calypso/internal/config"
	"github.com/gregLibert/calypso/pkg/calypso"
	"github.com/gregLibert/calypso/pkg/reader"
	"github.com/gregLibert/calypso/pkg/sam"
)

const exchangeTimeout = 30 * time.Second

// openReadersFunc is replaced in tests.
var openReadersFunc = openReaders

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so that deferred reader cleanup always
// happens before exiting.
func run(args []string) int {
	flags := flag.NewFlagSet("calypso", flag.ContinueOnError)
	configPath := flags.String("config", "config.yaml", "path to the YAML configuration")
	verbose := flags.Bool("v", false, "enable debug logging (overrides runtime.log_level)")
	logFormat := flags.String("log-format", "auto", "log format: auto, text or json")
	listReaders := flags.Bool("list", false, "list PC/SC readers and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *listReaders {
		return runListReaders()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config load failed: %v", err)
		return 1
	}

	level, _ := cfg.LogLevel()
	if *verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(*logFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	// --- 1. Hardware Setup ---
	card, samReader, err := openReadersFunc(cfg, logger)
	if err != nil {
		log.Printf("reader setup failed: %v", err)
		return 1
	}
	defer closeReader(card)
	defer closeReader(samReader)

	fmt.Printf(">> Card reader: %s\n>> SAM reader:  %s\n", card.Name(), samReader.Name())

	// --- 2. Logic Setup ---
	secure := sam.New(samReader, cfg.SAMClass(), logger)
	session, err := newSession(cfg, card, secure, logger)
	if err != nil {
		log.Printf("session setup failed: %v", err)
		return 1
	}

	// --- 3. Execution Flow ---
	runErr := runTransaction(ctx, cfg, session, secure)

	if err := writeReport(cfg.Runtime.ReportFile, session.Report()); err != nil {
		log.Printf("Warning: failed to write report: %v", err)
	}

	if runErr != nil {
		if session.Phase() == calypso.PhaseOpen {
			if err := session.Abort(ctx); err != nil {
				log.Printf("Warning: abort failed: %v", err)
			}
		}
		log.Printf("transaction failed: %v", runErr)
		return 1
	}

	fmt.Println("\n>> Transaction Finished Successfully")
	return 0
}

// =========================================================================
// Helper Functions
// =========================================================================

func newLogger(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func runListReaders() int {
	readers, err := reader.ListPCSC()
	if err != nil {
		log.Printf("list readers failed: %v", err)
		return 1
	}
	for i, name := range readers {
		fmt.Printf("[%d] %s\n", i, name)
	}
	return 0
}

// openReaders connects the card and SAM readers of the configured backend.
// The SAM always sits in a PC/SC reader except with the script backend.
func openReaders(cfg *config.Config, logger *slog.Logger) (card, samReader reader.Reader, err error) {
	switch cfg.Card.Backend {
	case config.BackendScript:
		script, err := config.LoadScript(cfg.Runtime.ScriptFile)
		if err != nil {
			return nil, nil, err
		}
		cardSteps, err := toExchanges(script.Card)
		if err != nil {
			return nil, nil, err
		}
		samSteps, err := toExchanges(script.SAM)
		if err != nil {
			return nil, nil, err
		}
		name := filepath.Base(cfg.Runtime.ScriptFile)
		return reader.NewScript(name+" (card)", cardSteps...), reader.NewScript(name+" (sam)", samSteps...), nil

	case config.BackendLibNFC:
		card, err = reader.OpenLibNFC(cfg.Card.Connstring, logger)
	default:
		card, err = reader.OpenPCSC(cfg.Card.Reader, logger)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("card reader: %w", err)
	}

	samReader, err = reader.OpenPCSC(cfg.SAM.Reader, logger)
	if err != nil {
		closeReader(card)
		return nil, nil, fmt.Errorf("SAM reader: %w", err)
	}
	return card, samReader, nil
}

func toExchanges(steps []config.Step) ([]reader.Exchange, error) {
	out := make([]reader.Exchange, 0, len(steps))
	for _, step := range steps {
		cmd, resp, err := step.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, reader.Exchange{Command: cmd, Response: resp})
	}
	return out, nil
}

func closeReader(r reader.Reader) {
	if err := r.Close(); err != nil {
		log.Printf("Warning: failed to close %s: %v", r.Name(), err)
	}
}

func newSession(cfg *config.Config, card reader.Reader, secure *sam.SAM, logger *slog.Logger) (*calypso.Session, error) {
	sc, err := sessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.SAM = secure
	sc.Logger = logger
	return calypso.NewSession(card, sc)
}

// sessionConfig maps the YAML settings onto the session parameters.
func sessionConfig(cfg *config.Config) (calypso.SessionConfig, error) {
	aid, err := cfg.AID()
	if err != nil {
		return calypso.SessionConfig{}, err
	}
	rev := calypso.RevUnknown
	if cfg.Card.Revision != "" {
		if rev, err = calypso.ParseRevision(cfg.Card.Revision); err != nil {
			return calypso.SessionConfig{}, err
		}
	}

	sc := calypso.SessionConfig{
		AID:                         aid,
		Revision:                    rev,
		KeyIndex:                    *cfg.Session.KeyIndex,
		AllowInvalidatedDF:          cfg.Session.AllowInvalidatedDF,
		ModificationsBufferOverride: cfg.Session.BufferOverride,
	}
	if cfg.Session.OpenSFI != nil {
		sc.OpenSFI = byte(*cfg.Session.OpenSFI)
		sc.OpenRecord = 1
		if cfg.Session.OpenRecord != nil {
			sc.OpenRecord = *cfg.Session.OpenRecord
		}
	}
	return sc, nil
}

func runTransaction(ctx context.Context, cfg *config.Config, session *calypso.Session, secure *sam.SAM) error {
	info, err := step1Select(ctx, session, secure)
	if err != nil {
		return err
	}
	if err := step2Open(ctx, session); err != nil {
		return err
	}
	if cfg.Session.ReadSFI != nil {
		rec := 1
		if cfg.Session.ReadRecord != nil {
			rec = *cfg.Session.ReadRecord
		}
		if err := step3Read(ctx, session, byte(*cfg.Session.ReadSFI), rec); err != nil {
			return err
		}
	}
	if cfg.SV.DebitAmount > 0 {
		if !info.StartupInfo.HasStoredValue() {
			fmt.Println("\n>> SV debit skipped: the application has no stored value.")
		} else if err := step4Debit(ctx, session, cfg.SV.DebitAmount); err != nil {
			return err
		}
	}
	return step5Close(ctx, session, *cfg.Session.Ratify)
}

func banner(title string) {
	fmt.Println("\n=============================================")
	fmt.Println(" " + title)
	fmt.Println("=============================================")
}

// step1Select selects the application and diversifies the SAM with the
// card serial number.
func step1Select(ctx context.Context, session *calypso.Session, secure *sam.SAM) (*calypso.CardInfo, error) {
	banner("Step 1: SELECT CALYPSO APPLICATION")

	info, err := session.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	fmt.Println(info.Describe())

	if err := secure.SelectDiversifier(ctx, info.Serial); err != nil {
		return nil, fmt.Errorf("SAM diversification: %w", err)
	}
	return info, nil
}

func step2Open(ctx context.Context, session *calypso.Session) error {
	banner("Step 2: OPEN SECURE SESSION")

	res, err := session.Open(ctx)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	unit := "operations"
	if session.BufferInBytes() {
		unit = "bytes"
	}
	fmt.Printf(">> Revision %s, transaction counter %d, ratified %t\n",
		session.Revision(), res.Session.TransactionCounter, res.Session.Ratified)
	fmt.Printf(">> Modification buffer: %d %s\n", session.BufferRemaining(), unit)
	if len(res.Session.RecordData) > 0 {
		fmt.Printf(">> Open record: %X\n", res.Session.RecordData)
	}
	return nil
}

func step3Read(ctx context.Context, session *calypso.Session, sfi byte, rec int) error {
	banner(fmt.Sprintf("Step 3: READ RECORD (SFI %02X, #%d)", sfi, rec))

	req, err := calypso.ReadRecord(session.Revision(), sfi, rec, 0)
	if err != nil {
		return err
	}
	resp, err := session.Execute(ctx, req)
	if err != nil {
		var ce *calypso.Error
		if errors.As(err, &ce) && ce.CardRejected() {
			fmt.Printf(">> Card rejected the read: %v\n", err)
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf(">> Record #%d: %X\n", rec, resp.Data)
	return nil
}

func step4Debit(ctx context.Context, session *calypso.Session, amount int) error {
	banner(fmt.Sprintf("Step 4: SV DEBIT (%d)", amount))

	get, err := session.SvGet(ctx, calypso.SvDebit)
	if err != nil {
		return fmt.Errorf("SV get: %w", err)
	}
	fmt.Println(">> " + get.String())

	date, tod := calypsoDateTime(time.Now())
	if _, err := session.SvDebit(ctx, amount, date, tod); err != nil {
		return fmt.Errorf("SV debit: %w", err)
	}
	fmt.Printf(">> Debited %d, expected balance %d\n", amount, get.Balance-amount)
	return nil
}

func step5Close(ctx context.Context, session *calypso.Session, ratify bool) error {
	banner("Step 5: CLOSE SECURE SESSION")

	data, err := session.Close(ctx, ratify)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	fmt.Printf(">> Card signature %X, %d postponed block(s)\n", data.Signature, len(data.PostponedData))
	return nil
}

// calypsoDateTime returns the Calypso date (days since 1990-01-01) and time
// (minutes since midnight) of t.
func calypsoDateTime(t time.Time) (date, tod uint16) {
	epoch := time.Date(1990, time.January, 1, 0, 0, 0, 0, t.Location())
	days := int(t.Sub(epoch).Hours() / 24)
	return uint16(days), uint16(t.Hour()*60 + t.Minute())
}

func writeReport(path, report string) error {
	var out io.Writer = os.Stdout
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err := fmt.Fprintln(out, report)
	return err
}
