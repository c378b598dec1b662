package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/metrics"
)

// BalanceSource reports spendable collateral. The settlement clients
// implement it.
type BalanceSource interface {
	CollateralBalance(ctx context.Context) (float64, error)
}

// RiskConfig holds the pre-trade gates.
type RiskConfig struct {
	KillSwitch      bool
	Simulation      bool
	MinBalanceUSD   float64 // reserve that must remain after a trade
	MaxNotionalUSD  float64 // per-trade cap on total spend; 0 disables
	BalanceCacheTTL time.Duration
}

// RiskService gates opportunities before any order is placed.
type RiskService struct {
	cfg      RiskConfig
	balances BalanceSource
	logger   *slog.Logger
	now      func() time.Time

	killSwitch atomic.Bool
	simulation atomic.Bool

	mu        sync.Mutex
	balance   float64
	balanceAt time.Time
}

// NewRiskService creates a RiskService. balances may be nil, which skips
// the balance preflight.
func NewRiskService(cfg RiskConfig, balances BalanceSource, logger *slog.Logger) *RiskService {
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = time.Minute
	}
	s := &RiskService{
		cfg:      cfg,
		balances: balances,
		logger:   logger,
		now:      time.Now,
	}
	s.killSwitch.Store(cfg.KillSwitch)
	s.simulation.Store(cfg.Simulation)
	return s
}

// Allow returns nil when opp may be executed. The gates run in order: kill
// switch, simulation mode, notional cap, balance preflight.
func (s *RiskService) Allow(ctx context.Context, opp domain.Opportunity) error {
	spend := Spend(opp)

	if s.killSwitch.Load() {
		return s.reject(ctx, opp, "kill_switch", domain.ErrKillSwitch)
	}
	if s.simulation.Load() {
		return s.reject(ctx, opp, "simulation", domain.ErrSimulation)
	}
	if s.cfg.MaxNotionalUSD > 0 && spend > s.cfg.MaxNotionalUSD {
		return s.reject(ctx, opp, "max_notional",
			fmt.Errorf("risk_service: spend %.2f exceeds max %.2f", spend, s.cfg.MaxNotionalUSD))
	}

	if s.balances == nil {
		return nil
	}
	bal, err := s.Balance(ctx)
	if err != nil {
		return s.reject(ctx, opp, "balance_unavailable", fmt.Errorf("risk_service: balance preflight: %w", err))
	}
	if bal-spend < s.cfg.MinBalanceUSD {
		return s.reject(ctx, opp, "insufficient_balance",
			fmt.Errorf("risk_service: balance %.2f, spend %.2f, reserve %.2f: %w",
				bal, spend, s.cfg.MinBalanceUSD, domain.ErrInsufficientBalance))
	}
	return nil
}

// Balance returns the collateral balance, refreshing it once the cached
// value is older than BalanceCacheTTL.
func (s *RiskService) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	if !s.balanceAt.IsZero() && s.now().Sub(s.balanceAt) < s.cfg.BalanceCacheTTL {
		bal := s.balance
		s.mu.Unlock()
		return bal, nil
	}
	s.mu.Unlock()

	bal, err := s.balances.CollateralBalance(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.balance = bal
	s.balanceAt = s.now()
	s.mu.Unlock()
	return bal, nil
}

// InvalidateBalance forces the next preflight to refetch the balance.
func (s *RiskService) InvalidateBalance() {
	s.mu.Lock()
	s.balanceAt = time.Time{}
	s.mu.Unlock()
}

// SetKillSwitch engages or releases the kill switch.
func (s *RiskService) SetKillSwitch(on bool) {
	if s.killSwitch.Swap(on) != on {
		s.logger.Warn("risk_service: kill switch changed", slog.Bool("engaged", on))
	}
}

// KillSwitch reports whether the kill switch is engaged.
func (s *RiskService) KillSwitch() bool { return s.killSwitch.Load() }

// SetSimulation toggles detect-only mode.
func (s *RiskService) SetSimulation(on bool) { s.simulation.Store(on) }

// Simulation reports whether execution is disabled.
func (s *RiskService) Simulation() bool { return s.simulation.Load() }

// Spend is the collateral needed to buy every leg of opp at MaxSize.
func Spend(opp domain.Opportunity) float64 {
	return opp.MaxSize() * float64(len(opp.Legs()))
}

func (s *RiskService) reject(ctx context.Context, opp domain.Opportunity, reason string, err error) error {
	metrics.RiskRejectsTotal.WithLabelValues(reason).Inc()
	s.logger.DebugContext(ctx, "risk_service: opportunity blocked",
		slog.String("condition_id", opp.Market().ConditionID),
		slog.String("reason", reason),
	)
	return err
}
