// Command magmad is magma's server process: it loads configuration,
// wires the storage engine, cache, inbound pipeline, and per-user
// mailbox state into the SMTP, submission, IMAP, and POP3 listeners,
// and serves until told to stop.
//
// Grounded on spilldb/spilldb.go's Server.New/Serve/Shutdown shape (one
// struct holding every listener, started concurrently, torn down on a
// shared signal) and cmd/spilld/main.go's cobra-based CLI entrypoint;
// the wiring itself targets mdb/pipeline/mailbox/storage instead of
// the teacher's spilldb/spillbox stack.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"magma.email/cache"
	"magma.email/email/dkim"
	"magma.email/imap/imapserver"
	"magma.email/internal/config"
	"magma.email/internal/logging"
	"magma.email/mailbox"
	"magma.email/mdb/boxmgmt"
	"magma.email/mdb/db"
	"magma.email/mdb/deliverer"
	"magma.email/mdb/imapd"
	"magma.email/mdb/localsender"
	"magma.email/mdb/popd"
	"magma.email/mdb/processor"
	"magma.email/mdb/smtpd"
	"magma.email/pipeline"
	"magma.email/pipeline/filter"
	"magma.email/pipeline/greylist"
	"magma.email/pipeline/rbl"
	"magma.email/pipeline/spam"
	"magma.email/pipeline/spf"
	"magma.email/pipeline/virus"
	"magma.email/pop"
	"magma.email/smtp/smtpserver"
	"magma.email/storage/tank"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "magmad",
		Short: "magma mail server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "path to a TOML config file (optional)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("magmad: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Production: cfg.LogProduction})
	if err != nil {
		return fmt.Errorf("magmad: logging: %w", err)
	}
	defer log.Sync()

	dbpool, err := db.Open(cfg.Storage.GlobalDBFile)
	if err != nil {
		return fmt.Errorf("magmad: open global db: %w", err)
	}
	defer dbpool.Close()
	if conn := dbpool.Get(context.Background()); conn != nil {
		err := db.Init(conn)
		dbpool.Put(conn)
		if err != nil {
			return fmt.Errorf("magmad: init global db: %w", err)
		}
	}

	tankFiles := cfg.Storage.TankFiles
	if len(tankFiles) == 0 {
		tankFiles = []string{cfg.Storage.GlobalDBFile + ".tank"}
	}
	tankStore, err := tank.Open(cfg.Storage.Host, tankFiles, cfg.Storage.SystemFile)
	if err != nil {
		return fmt.Errorf("magmad: open tank: %w", err)
	}
	defer tankStore.Close()

	filer := iox.NewFiler(0)
	bm := boxmgmt.New(dbpool, cfg.Storage.UserDBDir)
	defer bm.Close()

	var serials mailbox.SerialSource
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		serials = cache.New(rdb).AsSerialSource()
	}

	checks, err := buildChecks(dbpool, cfg)
	if err != nil {
		return fmt.Errorf("magmad: pipeline checks: %w", err)
	}

	ls := localsender.New(dbpool, bm, tankStore, log)
	proc := processor.New(dbpool, tankStore, filer, nil, log, ls.Nudge)
	relays := deliverer.RelayPools{Standard: cfg.SMTP.RelayStandard, Premium: cfg.SMTP.RelayPremium}
	dlv := deliverer.New(dbpool, tankStore, filer, cfg.Hostname, "", relays, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runBackground("processor", log, proc.Run)
	runBackground("deliverer", log, dlv.Run)
	runBackground("localsender", log, ls.Run)

	maker := smtpd.New(ctx, dbpool, filer, tankStore, checks, cfg.Hostname, proc.Nudge, log)
	imapBackend := imapd.New(dbpool, filer, bm, tankStore, serials, log)
	popBackend := popd.New(dbpool, bm, tankStore, log)

	var listeners []io.Closer
	var shutdowners []func(context.Context) error

	if cfg.SMTP.Enabled {
		srv := &smtpserver.Server{
			NewMessage: maker.NewMessage,
			Auth:       maker.Auth,
			Hostname:   cfg.Hostname,
			AllowNoTLS: true,
			Logf:       log.Where("smtp").Logf,
		}
		ln, err := net.Listen("tcp", cfg.SMTP.Addr)
		if err != nil {
			return fmt.Errorf("magmad: smtp listen: %w", err)
		}
		listeners = append(listeners, ln)
		shutdowners = append(shutdowners, srv.Shutdown)
		go logServe("smtp", log, func() error { return srv.ServeSTARTTLS(ln) })
	}

	if cfg.IMAP.Enabled {
		srv := &imapserver.Server{
			Filer:     filer,
			DataStore: imapBackend,
			Logf:      log.Where("imap").Logf,
		}
		ln, err := net.Listen("tcp", cfg.IMAP.Addr)
		if err != nil {
			return fmt.Errorf("magmad: imap listen: %w", err)
		}
		listeners = append(listeners, ln)
		shutdowners = append(shutdowners, srv.Shutdown)
		go logServe("imap", log, func() error { return srv.ServeTLS(ln) })
	}

	if cfg.POP.Enabled {
		srv := &pop.Server{
			Backend:  popBackend,
			Hostname: cfg.Hostname,
			Logf:     log.Where("pop").Logf,
		}
		ln, err := net.Listen("tcp", cfg.POP.Addr)
		if err != nil {
			return fmt.Errorf("magmad: pop listen: %w", err)
		}
		listeners = append(listeners, ln)
		shutdowners = append(shutdowners, func(ctx context.Context) error { return srv.Shutdown() })
		go logServe("pop", log, func() error { return srv.Serve(ln) })
	}

	log.Info("started", "hostname", cfg.Hostname)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, stop := range shutdowners {
		if err := stop(shutdownCtx); err != nil {
			log.Warn("shutdown", "err", err.Error())
		}
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return nil
}

// dkimAdapter satisfies pipeline.DKIMVerifier over email/dkim.Verifier,
// which returns a plain error rather than a (valid bool, err error)
// pair: any error here, including "no signature present", is treated
// as "not valid" rather than a hard pipeline failure, matching spec
// §4.5's "missing DKIM-Signature is not itself an outcome" note.
type dkimAdapter struct {
	v *dkim.Verifier
}

func (a dkimAdapter) Verify(ctx context.Context, rawMessage []byte) (bool, error) {
	err := a.v.Verify(ctx, bytes.NewReader(rawMessage))
	return err == nil, nil
}

// buildChecks wires the pipeline's content checks from the concrete
// providers pipeline/rbl, pipeline/spf, pipeline/virus, pipeline/spam,
// and pipeline/greylist ship, leaving a collaborator nil (pipeline.Run
// treats that as "skip this check") wherever the config does not name
// what it needs (a clamd address, RBL zones).
func buildChecks(dbpool *sqlitex.Pool, cfg *config.Config) (*pipeline.Checks, error) {
	checks := &pipeline.Checks{
		MaxMessageSize: cfg.Pipeline.MaxMessageSize,
		SPF:            spf.New(),
		DKIM:           dkimAdapter{&dkim.Verifier{}},
		// No per-user rule storage exists yet (spec §4.5 defines outcome
		// policy, not a rule language), so every recipient gets the same
		// empty rule set until one is built; filter.Engine still runs,
		// exercising pipeline.Filters end to end.
		Filters: filter.New(filter.StaticRules{}),
	}

	if len(cfg.Pipeline.RBLZones) > 0 {
		checks.RBL = rbl.New(cfg.Pipeline.RBLZones...)
	}
	if cfg.Pipeline.ClamdAddr != "" {
		checks.Virus = virus.New(cfg.Pipeline.ClamdAddr)
	}
	if cfg.Pipeline.SpamThreshold > 0 {
		classifier := spam.New(spam.NewCorpus())
		classifier.Threshold = cfg.Pipeline.SpamThreshold
		checks.Spam = classifier
	}
	if cfg.Pipeline.GreylistWindow > 0 {
		store, err := greylist.Open(dbpool, cfg.Pipeline.GreylistWindow)
		if err != nil {
			return nil, err
		}
		checks.Greylist = store
	}

	return checks, nil
}

func runBackground(name string, log *logging.Logger, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			log.Error(name+": stopped", err)
		}
	}()
}

func logServe(name string, log *logging.Logger, fn func() error) {
	if err := fn(); err != nil {
		log.Error(name+": serve", err)
	}
}
