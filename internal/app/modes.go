package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calebwestray/protectbot/internal/config"
	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/entry"
	"github.com/calebwestray/protectbot/internal/ledger"
	"github.com/calebwestray/protectbot/internal/platform/paper"
	"github.com/calebwestray/protectbot/internal/protection"
	"github.com/calebwestray/protectbot/internal/server"
	"github.com/calebwestray/protectbot/internal/server/handler"
)

// leaderLockKey guards the protection loop: one deployment mutates orders
// for the account at a time.
const leaderLockKey = "protection:leader"

const leaderLockTTL = 30 * time.Second

// ProtectMode runs the protection loop over restored positions without
// accepting new entries.
func (a *App) ProtectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting protect mode")

	unlock, err := deps.LockManager.Acquire(ctx, leaderLockKey, leaderLockTTL)
	if err != nil {
		return fmt.Errorf("protect mode: acquire leader lock: %w", err)
	}
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)

	monitor, err := a.startProtection(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("protect mode: %w", err)
	}

	a.startPriceStream(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, monitor)
	}

	return g.Wait()
}

// TradeMode runs protection plus the entry executor fed from the signal
// bus.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	unlock, err := deps.LockManager.Acquire(ctx, leaderLockKey, leaderLockTTL)
	if err != nil {
		return fmt.Errorf("trade mode: acquire leader lock: %w", err)
	}
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)

	monitor, err := a.startProtection(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	if a.cfg.Entry.Enabled {
		if err := a.startEntryExecutor(ctx, g, deps, monitor); err != nil {
			return fmt.Errorf("trade mode: %w", err)
		}
	}

	a.startPriceStream(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, monitor)
	}

	return g.Wait()
}

// PaperMode runs entries and protection against the in-memory venue. No
// real orders are placed and nothing is persisted.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	g, ctx := errgroup.WithContext(ctx)

	monitor, err := a.startProtection(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	if a.cfg.Entry.Enabled {
		if err := a.startEntryExecutor(ctx, g, deps, monitor); err != nil {
			return fmt.Errorf("paper mode: %w", err)
		}
	}

	if pv, ok := deps.Venue.(*paper.Venue); ok {
		if err := a.startPaperMarkFeed(ctx, g, deps, pv); err != nil {
			return fmt.Errorf("paper mode: %w", err)
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, monitor)
	}

	return g.Wait()
}

// ServerMode serves the read-only HTTP API over the persisted positions
// without running the protection loop.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	led := ledger.New(deps.PositionStore, a.logger)
	if err := led.Restore(ctx); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	monitor, err := a.buildMonitor(deps, led)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, monitor)
	return g.Wait()
}

// FullMode is trade mode with the HTTP API forced on.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.cfg.Server.Enabled = true
	return a.TradeMode(ctx, deps)
}

// startProtection restores the ledger, builds the protection stack, and
// starts the tick loop on the errgroup.
func (a *App) startProtection(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*protection.Monitor, error) {
	led := ledger.New(deps.PositionStore, a.logger)
	if err := led.Restore(ctx); err != nil {
		return nil, err
	}

	monitor, err := a.buildMonitor(deps, led)
	if err != nil {
		return nil, err
	}

	g.Go(func() error {
		return monitor.Run(ctx)
	})
	return monitor, nil
}

// buildMonitor assembles the coordinator, stop manager, profit engine, and
// monitor from configuration.
func (a *App) buildMonitor(deps *Dependencies, led *ledger.Ledger) (*protection.Monitor, error) {
	pc := a.cfg.Protection

	stops, err := protection.NewStopManager(stopLadderFromConfig(pc.StopLadder))
	if err != nil {
		return nil, err
	}
	profits, err := protection.NewProfitEngine(exitScheduleFromConfig(pc.ExitSchedule), a.cfg.Venue.LotSize)
	if err != nil {
		return nil, err
	}

	coordCfg := protection.CoordinatorConfig{
		CallTimeout:     pc.CallTimeout.Duration,
		ConfirmTimeout:  pc.ConfirmTimeout.Duration,
		PollInterval:    pc.PollInterval.Duration,
		Retry: protection.RetryPolicy{
			MaxAttempts:   pc.RetryMaxAttempts,
			InitialDelay:  pc.RetryInitialDelay.Duration,
			MaxDelay:      pc.RetryMaxDelay.Duration,
			BackoffFactor: pc.RetryBackoffFactor,
		},
		FailsafeStopPct: pc.FailsafeStopPct,
		VenueRateKey:    "venue:orders",
		VenueRateLimit:  a.cfg.Venue.RateLimit,
		VenueRateWindow: a.cfg.Venue.RateWindow.Duration,
	}
	coord := protection.NewCoordinator(
		deps.Venue, led, deps.AuditStore, deps.SignalBus, deps.RateLimiter,
		deps.Notifier, coordCfg, a.logger,
	)

	monCfg := protection.MonitorConfig{
		TickInterval:           pc.TickInterval.Duration,
		PriceTimeout:           pc.PriceTimeout.Duration,
		PriceStaleAfter:        pc.PriceStaleAfter.Duration,
		MaxConsecutiveFailures: pc.MaxConsecutiveFailures,
		MaxActionsPerTick:      pc.MaxActionsPerTick,
	}
	return protection.NewMonitor(led, coord, stops, profits, deps.PriceCache, deps.Venue, monCfg, a.logger), nil
}

// startEntryExecutor subscribes to the entry signal channel, decodes
// signals, and runs the executor on the errgroup.
func (a *App) startEntryExecutor(ctx context.Context, g *errgroup.Group, deps *Dependencies, monitor *protection.Monitor) error {
	ec := a.cfg.Entry

	raw, err := deps.SignalBus.Subscribe(ctx, ec.SignalChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ec.SignalChannel, err)
	}

	signalCh := make(chan domain.EntrySignal, 32)
	g.Go(func() error {
		defer close(signalCh)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-raw:
				if !ok {
					return nil
				}
				var sig domain.EntrySignal
				if err := json.Unmarshal(payload, &sig); err != nil {
					a.logger.WarnContext(ctx, "dropping malformed entry signal",
						slog.String("channel", ec.SignalChannel),
						slog.String("error", err.Error()))
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case signalCh <- sig:
				}
			}
		}
	})

	execCfg := entry.Config{
		BufferPct:      ec.BufferPct,
		FillTimeout:    ec.FillTimeout.Duration,
		PollInterval:   ec.PollInterval.Duration,
		MaxSlippagePct: ec.MaxSlippagePct,
		MinRiskReward:  ec.MinRiskReward,
		Sizing: entry.SizingConfig{
			RiskPct:          ec.RiskPct,
			MaxPositionValue: ec.MaxPositionValue,
			LotSize:          a.cfg.Venue.LotSize,
		},
		DedupTTL:        ec.DedupTTL.Duration,
		CleanupInterval: 30 * time.Second,
	}
	exec := entry.NewExecutor(
		signalCh, deps.Venue, deps.Account, monitor, deps.AuditStore,
		deps.SignalBus, execCfg, a.logger,
	)
	g.Go(func() error {
		return exec.Run(ctx)
	})
	return nil
}

// startPriceStream connects the venue websocket and pushes quotes into the
// price cache. Without a stream the monitor queries the venue directly.
func (a *App) startPriceStream(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Stream == nil || len(a.cfg.Venue.Symbols) == 0 {
		return
	}

	stream := deps.Stream
	symbols := a.cfg.Venue.Symbols
	stream.OnQuote(func(symbol string, price float64, at time.Time) {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := deps.PriceCache.SetPrice(cacheCtx, symbol, price, at); err != nil {
			a.logger.Warn("price cache update failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
	})

	g.Go(func() error {
		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("price stream: connect: %w", err)
		}
		defer stream.Close()
		if err := stream.Subscribe(ctx, symbols...); err != nil {
			return fmt.Errorf("price stream: subscribe: %w", err)
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

// paperMark is the payload accepted on the paper mark channel.
type paperMark struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// paperMarkChannel feeds the simulated venue: publish {"symbol","price"}
// here to move the paper market.
const paperMarkChannel = "paper.marks"

// startPaperMarkFeed drives the simulated venue from bus-published marks so
// stops trigger and the monitor sees fresh prices.
func (a *App) startPaperMarkFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, venue *paper.Venue) error {
	marks, err := deps.SignalBus.Subscribe(ctx, paperMarkChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", paperMarkChannel, err)
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-marks:
				if !ok {
					return nil
				}
				var m paperMark
				if err := json.Unmarshal(payload, &m); err != nil || m.Symbol == "" || m.Price <= 0 {
					a.logger.Warn("dropping malformed paper mark")
					continue
				}
				venue.MarkPrice(m.Symbol, m.Price)
				cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				_ = deps.PriceCache.SetPrice(cacheCtx, m.Symbol, m.Price, time.Now().UTC())
				cancel()
			}
		}
	})
	return nil
}

// startArchiver periodically moves closed positions and old audit rows to
// cold storage, then prunes the archived rows from the database.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil || a.cfg.Archive.Interval.Duration <= 0 {
		return
	}

	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.runArchival(ctx, deps, time.Now().UTC().Add(-retention))
			}
		}
	})
}

// runArchival performs one archive-then-prune cycle. Pruning only happens
// after the corresponding archive step succeeds.
func (a *App) runArchival(ctx context.Context, deps *Dependencies, cutoff time.Time) {
	archived, err := deps.Archiver.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "position archival failed", slog.String("error", err.Error()))
	} else if archived > 0 {
		pruned, err := deps.PositionStore.DeleteClosedBefore(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "position prune failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "positions archived",
				slog.Int64("archived", archived), slog.Int64("pruned", pruned))
		}
	}

	archived, err = deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit archival failed", slog.String("error", err.Error()))
	} else if archived > 0 {
		pruned, err := deps.AuditStore.DeleteBefore(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit prune failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "audit archived",
				slog.Int64("archived", archived), slog.Int64("pruned", pruned))
		}
	}
}

// startHTTPServer runs the read-only HTTP API on the errgroup and shuts it
// down when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, monitor *protection.Monitor) {
	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuthToken:   a.cfg.Server.AuthToken,
	}
	if deps.RateLimiter != nil && a.cfg.Venue.RateLimit > 0 {
		srvCfg.RateLimiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Venue.RateLimit
		srvCfg.RateLimitWindow = a.cfg.Venue.RateWindow.Duration
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(monitor, a.logger),
		Positions: handler.NewPositionHandler(monitor, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(srvCfg, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// stopLadderFromConfig maps configured rungs onto the ladder, falling back
// to the defaults when none are configured.
func stopLadderFromConfig(rungs []config.StopRungConfig) protection.StopLadder {
	if len(rungs) == 0 {
		return protection.DefaultStopLadder()
	}
	ladder := make(protection.StopLadder, len(rungs))
	for i, r := range rungs {
		ladder[i] = protection.StopRung{TriggerR: r.TriggerR, LockR: r.LockR}
	}
	return ladder
}

// exitScheduleFromConfig maps configured steps onto the schedule, falling
// back to the defaults when none are configured. States advance from
// partial through advanced to final; extra middle steps stay advanced.
func exitScheduleFromConfig(steps []config.ExitStepConfig) protection.ExitSchedule {
	if len(steps) == 0 {
		return protection.DefaultExitSchedule()
	}
	schedule := make(protection.ExitSchedule, len(steps))
	for i, s := range steps {
		state := domain.StateAdvancedProfit
		switch {
		case i == len(steps)-1:
			state = domain.StateFinalProfit
		case i == 0:
			state = domain.StatePartialProfit
		}
		schedule[i] = protection.ExitStep{TriggerR: s.TriggerR, Fraction: s.Fraction, State: state}
	}
	return schedule
}
