package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dieforward.gg/internal/escrow"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/logging"
	"dieforward.gg/internal/orchestrator"
	"dieforward.gg/internal/persistence/indexdb"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/protocol"
	"dieforward.gg/internal/settlement"
	"dieforward.gg/internal/transport/httpapi"
	"dieforward.gg/internal/transport/ws"
	"dieforward.gg/internal/tuning"
)

type options struct {
	addr       string
	configDir  string
	tuningPath string
	dataDir    string
	logFile    string
	logLevel   string

	snapPath      string
	loadLatest    bool
	snapshotEvery time.Duration

	airdrop    bool
	maxAirdrop uint64
	reapEvery  time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", ":8080", "http listen address")
	flag.StringVar(&o.configDir, "configs", "./configs", "config directory")
	flag.StringVar(&o.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	flag.StringVar(&o.dataDir, "data", "./data", "runtime data directory")
	flag.StringVar(&o.logFile, "log_file", "", "also write logs to this file")
	flag.StringVar(&o.logLevel, "log_level", "info", "log levels, e.g. info or info,LDGR=debug")
	flag.StringVar(&o.snapPath, "snapshot", "", "ledger snapshot to load (optional)")
	flag.BoolVar(&o.loadLatest, "load_latest_snapshot", true, "load the latest snapshot from the data dir when -snapshot is empty")
	flag.DurationVar(&o.snapshotEvery, "snapshot_every", 10*time.Minute, "ledger snapshot interval (0 disables)")
	flag.BoolVar(&o.airdrop, "airdrop", false, "expose POST /v1/ledger/airdrop (ignored in staging/production)")
	flag.Uint64Var(&o.maxAirdrop, "max_airdrop", 2*escrow.LamportsPerSOL, "largest single airdrop in lamports")
	flag.DurationVar(&o.reapEvery, "reap_every", time.Minute, "how often abandoned deaths are settled")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	backend, err := logging.New(o.logFile, o.logLevel)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer backend.Close()
	log := backend.Logger(logging.SubServer)

	tp := strings.TrimSpace(o.tuningPath)
	if tp == "" {
		tp = filepath.Join(o.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load tuning: %w", err)
		}
		log.Warnf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	dev := isDev()
	id, err := loadIdentity(dev)
	if err != nil {
		return err
	}
	log.Infof("program %s authority %s treasury %s", id.program, id.authority.Address(), id.treasury)

	l := ledger.New(ledger.Config{Log: backend.Logger(logging.SubLedger)})
	l.Register(id.program, escrow.NewProgram(escrow.Policy{
		MinStake: tune.Escrow.MinStakeLamports,
		MaxStake: tune.Escrow.MaxStakeLamports,
	}, backend.Logger(logging.SubEscrow)))

	info, err := restoreLedger(l, o.dataDir, o.snapPath, o.loadLatest, id.program)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if info.Snapshot != "" || info.Replayed > 0 {
		log.Infof("restored ledger slot=%d snapshot=%s replayed=%d", l.Slot(), filepath.Base(info.Snapshot), info.Replayed)
	}

	store, err := indexdb.OpenSQLite(filepath.Join(o.dataDir, "index", "dieforward.sqlite"))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer store.Close()

	d1, err := openD1(backend.Logger(logging.SubStore))
	if err != nil {
		return fmt.Errorf("open d1 mirror: %w", err)
	}
	defer d1.Close()

	mirror, err := openOffsite(o.dataDir, backend.Logger(logging.SubStore))
	if err != nil {
		return fmt.Errorf("offsite mirror: %w", err)
	}
	defer mirror.Close()

	txLog := plog.NewTxLogger(o.dataDir)
	defer txLog.Close()
	l.SetSink(newTxTee(log, txLog, store, d1))

	client := settlement.NewClient(l, id.program, id.authority, tune.Settlement.LedgerTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensurePool(ctx, l, client, id.treasury, tune, dev); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	settleLog := plog.NewSettlementLogger(o.dataDir)
	defer settleLog.Close()
	sinks := []settlement.EventSink{settleLog}
	if d1 != nil {
		sinks = append(sinks, d1)
	}
	disp := settlement.NewDispatcher(settlement.Config{
		Workers:     tune.Settlement.Workers,
		QueueSize:   tune.Settlement.QueueSize,
		MaxAttempts: tune.Settlement.MaxAttempts,
		BackoffBase: tune.Settlement.BackoffBase(),
		BackoffMax:  tune.Settlement.BackoffMax(),
		Log:         backend.Logger(logging.SubSettlement),
		Sinks:       sinks,
	}, store, client)

	svc := orchestrator.New(orchestrator.Config{
		Tuning:    tune,
		ProgramID: id.program,
		Treasury:  id.treasury,
		Log:       backend.Logger(logging.SubOrch),
	}, store, client, disp)

	validator, err := protocol.NewValidator()
	if err != nil {
		return fmt.Errorf("schemas: %w", err)
	}

	snaps := &snapshotter{ledger: l, programID: id.program, dataDir: o.dataDir, mirror: mirror, log: log}

	wsSrv := ws.NewServer(svc, validator, backend.Logger(logging.SubWS))
	if dev {
		wsSrv.AllowAnyOrigin()
	}
	api := httpapi.New(httpapi.Config{
		Log:         backend.Logger(logging.SubHTTP),
		AdminSecret: []byte(strings.TrimSpace(os.Getenv("DF_ADMIN_JWT_SECRET"))),
		Airdrop:     o.airdrop && dev,
		MaxAirdrop:  o.maxAirdrop,
	}, httpapi.Deps{
		Sessions:   svc,
		Ledger:     l,
		Chain:      client,
		Index:      store,
		Dispatcher: disp,
		D1:         d1,
		Offsite:    mirror,
		Validator:  validator,
		Snapshot:   snaps.Take,
		WS:         wsSrv,
	})
	if o.airdrop && !dev {
		log.Warnf("-airdrop ignored outside dev deployments")
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return svc.RunReaper(gctx, o.reapEvery) })
	if o.snapshotEvery > 0 {
		g.Go(func() error { return snaps.Loop(gctx, o.snapshotEvery) })
	}
	g.Go(func() error {
		log.Infof("listening on %s", o.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	runErr := g.Wait()

	if _, err := snaps.Take(context.Background()); err != nil {
		log.Errorf("final snapshot: %v", err)
	}
	log.Infof("stopped at slot %d", l.Slot())
	return runErr
}
