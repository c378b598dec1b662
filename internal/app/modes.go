package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/server"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
)

// runEngine starts every long-running component of eng and blocks until ctx
// is cancelled or one of them fails. Live orders are cancelled before it
// returns.
func (a *App) runEngine(ctx context.Context, eng *Engine, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Events.Run(gctx) })
	g.Go(func() error {
		defer eng.Feed.Close()
		return eng.Feed.Run(gctx)
	})
	g.Go(func() error { return eng.Markets.Run(gctx) })
	if eng.Trading() {
		g.Go(func() error { return eng.Arb.Run(gctx) })
	}

	sched := NewScheduler(gctx, a.logger.With(slog.String("component", "scheduler")))
	if err := a.scheduleJobs(sched, eng, deps); err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(gctx) })

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:   a.cfg.Server.Port,
			APIKey: a.cfg.Server.APIKey,
		}, a.handlers(eng, deps), a.logger.With(slog.String("component", "server")))
		g.Go(func() error { return srv.Run(gctx) })
	}

	err := g.Wait()
	a.drain(eng)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drain cancels whatever orders are still live once the pipeline has
// stopped.
func (a *App) drain(eng *Engine) {
	if eng.Executor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Executor.ShutdownTimeout.Duration)
	defer cancel()
	if n := eng.Executor.CancelAll(ctx); n > 0 {
		a.logger.Warn("shutdown: cancelled live trades", slog.Int("trades", n))
	}
	a.logStats(ctx, eng)
}

// scheduleJobs registers the periodic work for the mode.
func (a *App) scheduleJobs(s *Scheduler, eng *Engine, deps *Dependencies) error {
	if err := s.Every("stats", a.cfg.Detector.StatsInterval.Duration, func(ctx context.Context) error {
		a.logStats(ctx, eng)
		return nil
	}); err != nil {
		return err
	}

	if err := s.Every("scan", a.cfg.Detector.ScanInterval.Duration, func(ctx context.Context) error {
		a.fullScan(ctx, eng)
		return nil
	}); err != nil {
		return err
	}

	if eng.Settlement != nil && a.cfg.Cost.GasRefreshInterval.Duration > 0 {
		if err := s.Every("gas", a.cfg.Cost.GasRefreshInterval.Duration, func(ctx context.Context) error {
			gas, err := eng.Settlement.EstimateMergeGasUSD(ctx)
			if err != nil {
				return fmt.Errorf("estimate merge gas: %w", err)
			}
			eng.Costs.SetGasUSD(gas)
			a.logger.DebugContext(ctx, "cost model gas updated", slog.Float64("gas_usd", gas))
			return nil
		}); err != nil {
			return err
		}
	}

	if deps.Archiver != nil {
		if err := s.Add("archive", a.cfg.Archive.Cron, func(ctx context.Context) error {
			until := time.Now().UTC().Truncate(24 * time.Hour)
			since := until.AddDate(0, 0, -a.cfg.Archive.LookbackDays)
			n, err := deps.Archiver.ArchiveTrades(ctx, since, until)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "archive run complete",
				slog.Time("since", since),
				slog.Time("until", until),
				slog.Int64("trades", n),
			)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// fullScan ranks every catalogued market and logs the best edges. It never
// trades: execution only follows the incremental path.
func (a *App) fullScan(ctx context.Context, eng *Engine) {
	opps := eng.Coordinator.ScanAll(ctx)
	top := min(len(opps), a.cfg.Detector.ScanTop)
	for i, opp := range opps[:top] {
		m := opp.Market()
		an := opp.Analysis()
		a.logger.InfoContext(ctx, "scan: ranked opportunity",
			slog.Int("rank", i+1),
			slog.String("kind", string(opp.Kind())),
			slog.String("condition_id", m.ConditionID),
			slog.String("question", m.Question),
			slog.Float64("net_edge_bps", an.NetEdgeBps),
			slog.Float64("max_size", opp.MaxSize()),
			slog.Float64("potential_profit", an.PotentialProfit),
		)
	}
}

func (a *App) logStats(ctx context.Context, eng *Engine) {
	cs := eng.Coordinator.Stats()
	a.logger.InfoContext(ctx, "stats: detector",
		slog.Int("markets", cs.MarketsMonitored),
		slog.Int("binary_markets", cs.BinaryMarkets),
		slog.Int("categorical_markets", cs.CategoricalMarkets),
		slog.Int64("opportunities", cs.OpportunitiesFound),
		slog.Duration("avg_eval", cs.AvgScanDuration),
		slog.Duration("max_eval", cs.MaxScanDuration),
		slog.Int("books", eng.Books.Len()),
		slog.Bool("feed_connected", eng.Feed.Connected()),
		slog.Int64("events_dropped", eng.Events.Dropped()),
	)
	if !eng.Trading() {
		return
	}
	es := eng.Executor.Stats()
	ms := eng.Merger.Stats()
	as := eng.Arb.Stats()
	a.logger.InfoContext(ctx, "stats: execution",
		slog.Int("active_trades", es.Active),
		slog.Int64("trades", es.Total),
		slog.Int64("fully_filled", es.FullyFilled),
		slog.Int64("failed", es.Failed),
		slog.Int64("risk_blocked", as.Blocked),
		slog.Int64("queue_dropped", as.Dropped),
		slog.Int("merges", ms.Total),
		slog.Float64("merge_success_rate", ms.SuccessRate),
		slog.Float64("profit_usd", ms.TotalProfit),
		slog.Float64("gas_usd", ms.TotalGasUSD),
	)
}

// handlers builds the HTTP handlers over the engine.
func (a *App) handlers(eng *Engine, deps *Dependencies) server.Handlers {
	logger := a.logger.With(slog.String("component", "http"))

	sections := map[string]handler.StatusSection{
		"detector": func() any { return eng.Coordinator.Stats() },
		"cost":     func() any { return eng.Costs.Model().Config() },
		"catalog": func() any {
			at, n := eng.Markets.LastRefresh()
			return map[string]any{"last_refresh": at, "markets": n}
		},
		"backends": func() any { return pingAll(deps.Pingers) },
	}
	h := server.Handlers{
		Health: handler.NewHealthHandler(eng.Feed, a.cfg.Mode),
		Risk:   handler.NewRiskHandler(eng.Risk, logger),
	}
	if eng.Trading() {
		sections["executor"] = func() any { return eng.Executor.Stats() }
		sections["merger"] = func() any {
			pending := eng.Merger.Pending()
			ids := make([]string, 0, len(pending))
			for _, t := range pending {
				ids = append(ids, t.ID)
			}
			return map[string]any{"stats": eng.Merger.Stats(), "pending": ids}
		}
		sections["pipeline"] = func() any { return eng.Arb.Stats() }
		h.Trades = handler.NewTradeHandler(deps.TradeStore, deps.MergeStore, eng.Executor, logger)
	}
	if deps.EventBus != nil {
		h.Events = handler.NewEventHandler(deps.EventBus, logger)
	}
	h.Status = handler.NewStatusHandler(a.cfg.Mode, sections)
	return h
}

func pingAll(pingers map[string]func(context.Context) error) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make(map[string]string, len(pingers))
	for name, ping := range pingers {
		if err := ping(ctx); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
