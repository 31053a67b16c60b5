package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chunkclaims.ai/internal/claims/bank"
	"chunkclaims.ai/internal/claims/index"
	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/claims/ownership"
	"chunkclaims.ai/internal/claims/pricing"
	"chunkclaims.ai/internal/claims/purchase"
	"chunkclaims.ai/internal/claims/upkeep"
	"chunkclaims.ai/internal/config"
	"chunkclaims.ai/internal/economy"
	"chunkclaims.ai/internal/metrics"
	"chunkclaims.ai/internal/notify"
	"chunkclaims.ai/internal/persistence/ledgerlog"
	"chunkclaims.ai/internal/runtime/clock"
	"chunkclaims.ai/internal/runtime/tick"
	"chunkclaims.ai/internal/transport/admin"
	"chunkclaims.ai/internal/transport/observer"
	"chunkclaims.ai/internal/util/workerpool"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (defaults when empty)")
		addr       = flag.String("addr", "", "http listen address (overrides http.addr)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.HTTP.Addr = a
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clk := clock.System{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(reg)
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loop := tick.New(cfg.Tick.QueueSize, logger.Named("tick"))
	pool := workerpool.New(workerpool.Config{
		Name:       "claims-io",
		MaxWorkers: cfg.Workers.MaxWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger.Named("workers"),
	})
	defer func() {
		if err := pool.Stop(10 * time.Second); err != nil {
			logger.Warn("worker pool stop", zap.Error(err))
		}
	}()

	ledger := ledgerlog.New(cfg.Ledger.LogDir, clk)
	defer ledger.Close()

	obsSrv := observer.NewServer(logger.Named("observer"), observer.Config{})
	obs := notify.NewMulti(logger.Named("notify"), obsSrv)

	ix, err := index.New(st, index.Config{
		CacheSize:  cfg.Index.ClaimCacheSize,
		StaleGrace: cfg.Index.StaleGrace,
		Clock:      clk,
		Logger:     logger.Named("index"),
		Metrics:    m,
		Pool:       pool,
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	preloadIndex(ctx, ix, logger)

	// The standalone server settles purchases against an in-process wallet.
	econ := economy.NewMemory()

	bk, err := bank.New(bank.Deps{
		Store:    st,
		Index:    ix,
		Economy:  econ,
		Ledger:   ledger,
		Observer: obs,
		Metrics:  m,
		Logger:   logger.Named("bank"),
		Clock:    clk,
	}, bank.Config{
		UpkeepInterval: cfg.Upkeep.Interval,
		CacheSize:      cfg.Index.ClaimCacheSize,
		RefundAttempts: cfg.Purchase.RefundAttempts,
		RefundBackoff:  cfg.Purchase.RefundBackoff,
	})
	if err != nil {
		return fmt.Errorf("bank: %w", err)
	}

	eng, err := purchase.New(purchase.Deps{
		Store:    st,
		Index:    ix,
		Economy:  econ,
		Loop:     loop,
		Pool:     pool,
		Observer: obs,
		Metrics:  m,
		Logger:   logger.Named("purchase"),
		Clock:    clk,
	}, purchase.Config{
		Pricing:        pricingTable(cfg.Purchase),
		RefundAttempts: cfg.Purchase.RefundAttempts,
		RefundBackoff:  cfg.Purchase.RefundBackoff,
		Ceiling:        cfg.Claims.AllocationCeiling,
	})
	if err != nil {
		return fmt.Errorf("purchase: %w", err)
	}

	own, err := ownership.New(ownership.Deps{
		Store:     st,
		Index:     ix,
		Allocator: eng,
		Balances:  bk,
		Ledger:    ledger,
		Observer:  obs,
		Metrics:   m,
		Logger:    logger.Named("ownership"),
		Clock:     clk,
	}, ownership.Config{
		StartingChunks:     cfg.Claims.StartingChunks,
		MaxClaimsPerPlayer: cfg.Claims.MaxClaimsPerPlayer,
		MaxChunksPerClaim:  cfg.Claims.MaxChunksPerClaim,
		UpkeepInterval:     upkeepInterval(cfg.Upkeep),
		ArchiveDir:         cfg.Ledger.ArchiveDir,
		WorldAllowed:       cfg.Claims.WorldAllowed,
	})
	if err != nil {
		return fmt.Errorf("ownership: %w", err)
	}

	adminDeps := admin.Deps{
		Claims:    st,
		Bank:      bk,
		Purchaser: eng,
		Ownership: own,
		Index:     ix,
		Logger:    logger.Named("admin"),
	}

	var sched *upkeep.Scheduler
	if cfg.Upkeep.Enabled {
		up, err := upkeep.New(upkeep.Deps{
			Store:    st,
			Index:    ix,
			Balances: bk,
			Ledger:   ledger,
			Observer: obs,
			Metrics:  m,
			Logger:   logger.Named("upkeep"),
			Clock:    clk,
		}, upkeep.Config{
			Interval:      cfg.Upkeep.Interval,
			GracePeriod:   cfg.Upkeep.GracePeriod,
			CostPerChunk:  model.Money(cfg.Upkeep.CostPerChunkCents),
			AutoUnclaim:   cfg.Upkeep.AutoUnclaim,
			KeepMinChunks: cfg.Upkeep.KeepMinChunks,
			PageSize:      cfg.Upkeep.PageSize,
			WorldAllowed:  cfg.Claims.WorldAllowed,
		})
		if err != nil {
			return fmt.Errorf("upkeep: %w", err)
		}
		bk.SetRecover(func(ctx context.Context, claimID int64) {
			if _, err := up.TryRecover(ctx, claimID); err != nil {
				logger.Warn("grace recovery after deposit failed", zap.Int64("claim_id", claimID), zap.Error(err))
			}
		})
		adminDeps.Sweeper = up
		sched = upkeep.NewScheduler(up, upkeep.SchedulerConfig{
			Every:        cfg.Upkeep.SweepEvery,
			StartupSweep: cfg.Upkeep.StartupSweep,
		})
	} else {
		logger.Info("upkeep disabled (upkeep.enabled=false)")
	}

	adminAPI, err := admin.NewServer(adminDeps, admin.Config{})
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if !ix.Loaded() {
			http.Error(rw, "index loading", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	if envBool("CC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		adminAPI.Register(mux)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Info("admin endpoints disabled (CC_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("CC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tick loop: %w", err)
		}
		return nil
	})
	if sched != nil {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// preloadIndex retries until the store answers or ctx ends. A failed attempt still leaves
// the index loaded but non-authoritative, so the server keeps serving during retries.
func preloadIndex(ctx context.Context, ix *index.Index, logger *zap.Logger) {
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := ix.Preload(ctx)
		if err == nil {
			st := ix.Stats()
			logger.Info("ownership index loaded", zap.Int("claims", st.Claims), zap.Int("chunks", st.Chunks))
			return
		}
		if attempt >= 5 || ctx.Err() != nil {
			logger.Error("ownership index preload gave up", zap.Int("attempts", attempt), zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func pricingTable(c config.PurchaseConfig) pricing.Table {
	return pricing.Table{
		Base:            model.Money(c.BasePriceCents),
		Step:            model.Money(c.PriceStepCents),
		OrderMultiplier: c.ClaimOrderMultiplier,
		MaxPerClaim:     c.MaxPurchasedPerClaim,
		Sizes:           c.Sizes,
	}
}

func upkeepInterval(c config.UpkeepConfig) time.Duration {
	if !c.Enabled {
		return 0
	}
	return c.Interval
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
