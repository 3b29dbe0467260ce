// Package system drives the deployment-wide rebalance cycle: a resumable,
// paginated batch that applies the decision engine to every registered
// account once per cycle, against a single price snapshot.
package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/bank"
	"github.com/orbit-cex/treasury/internal/metrics"
	"github.com/orbit-cex/treasury/internal/oracle"
	"github.com/orbit-cex/treasury/internal/rebalance"
	"github.com/orbit-cex/treasury/internal/store"
	"github.com/orbit-cex/treasury/pkg/events"
)

// ErrNotDue is returned when the cycle is invoked before its start time.
var ErrNotDue = errors.New("rebalance cycle not due")

// State is the cycle's lifecycle tag.
type State string

const (
	StateNotStarted State = "not_started"
	StateProcessing State = "processing"
	StateFinished   State = "finished"
)

// Status is the singleton cycle state. Exactly one field set per tag:
// CycleStart for NotStarted, CycleStarted/Cursor/Prices for Processing,
// NextCycle for Finished.
type Status struct {
	State        State                      `json:"state"`
	CycleStart   time.Time                  `json:"cycle_start,omitempty"`
	CycleStarted time.Time                  `json:"cycle_started,omitempty"`
	Cursor       string                     `json:"cursor,omitempty"`
	Prices       map[string]decimal.Decimal `json:"prices,omitempty"`
	NextCycle    time.Time                  `json:"next_cycle,omitempty"`
}

var statusKey = []byte("system/status")

// RunnerConfig carries the cycle parameters.
type RunnerConfig struct {
	// BaseDenom prices every whitelisted target denom in the snapshot.
	BaseDenom string
	// Period is both the cycle cadence and the processing deadline.
	Period time.Duration
	// DefaultLimit is the per-call account page size when the caller
	// passes none.
	DefaultLimit int
}

// Runner owns the cycle state machine.
type Runner struct {
	store  *store.Store
	engine *rebalance.Engine
	bank   bank.Bank
	oracle oracle.Source
	sink   events.Sink
	logger *zap.Logger
	cfg    RunnerConfig
}

// NewRunner creates the cycle driver.
func NewRunner(st *store.Store, engine *rebalance.Engine, bk bank.Bank, src oracle.Source, sink events.Sink, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	return &Runner{store: st, engine: engine, bank: bk, oracle: src, sink: sink, logger: logger, cfg: cfg}
}

// Init seeds the singleton status if absent. Idempotent.
func (r *Runner) Init(ctx context.Context, firstCycle time.Time) error {
	return r.store.Update(func(txn *store.Txn) error {
		var st Status
		found, err := txn.Get(statusKey, &st)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return txn.Set(statusKey, Status{State: StateNotStarted, CycleStart: firstCycle})
	})
}

// Status returns the current cycle state.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	var st Status
	err := r.store.View(func(txn *store.Txn) error {
		found, err := txn.Get(statusKey, &st)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("cycle status not initialized")
		}
		return nil
	})
	return st, err
}

// RunResult reports one invocation's progress.
type RunResult struct {
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
	Done      bool `json:"done"`
}

// Run advances the cycle: entering Processing with a fresh snapshot when a
// cycle is due, resuming from the cursor while the processing window is
// open, and restarting fresh when the window lapsed mid-pass. Each call
// handles up to limit accounts; per-account failures are recorded as events
// and skipped.
func (r *Runner) Run(ctx context.Context, limit int, now time.Time) (RunResult, error) {
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	st, err := r.Status(ctx)
	if err != nil {
		return RunResult{}, err
	}

	resume := false
	switch st.State {
	case StateNotStarted:
		if now.Before(st.CycleStart) {
			return RunResult{}, fmt.Errorf("%w: starts %s", ErrNotDue, st.CycleStart)
		}
	case StateFinished:
		if now.Before(st.NextCycle) {
			return RunResult{}, fmt.Errorf("%w: next cycle %s", ErrNotDue, st.NextCycle)
		}
	case StateProcessing:
		deadline := st.CycleStarted.Add(r.cfg.Period)
		if now.Before(deadline) {
			resume = true
		} else {
			// The pass outlived its window; the stale cursor and
			// snapshot are discarded and the cycle restarts fresh.
			r.logger.Warn("processing deadline elapsed, restarting cycle",
				zap.Time("cycle_started", st.CycleStarted))
		}
	}

	if !resume {
		prices, err := r.snapshot(ctx)
		if err != nil {
			return RunResult{}, err
		}
		st = Status{State: StateProcessing, CycleStarted: now, Prices: prices}
		if err := r.persist(st); err != nil {
			return RunResult{}, err
		}
	}

	accounts, err := r.engine.ListAccounts(ctx, st.Cursor, limit)
	if err != nil {
		return RunResult{}, err
	}

	var res RunResult
	for _, account := range accounts {
		if err := r.processAccount(ctx, account, st.Prices, now); err != nil {
			// One bad account cannot block the batch.
			res.Skipped++
			r.logger.Warn("account rebalance skipped",
				zap.String("account", account), zap.Error(err))
			r.publish(ctx, events.New(events.TypeAccountSkipped, now, map[string]interface{}{
				"account": account,
				"error":   err.Error(),
			}))
		}
		res.Processed++
		st.Cursor = account
	}

	if res.Processed < limit {
		next := st.CycleStarted.Add(r.cfg.Period)
		st = Status{State: StateFinished, NextCycle: next}
		if err := r.persist(st); err != nil {
			return RunResult{}, err
		}
		res.Done = true
		metrics.CyclesFinished.Inc()
		r.publish(ctx, events.New(events.TypeCycleFinished, now, map[string]interface{}{
			"next_cycle": next,
		}))
		r.logger.Info("rebalance cycle finished", zap.Time("next_cycle", next))
		return res, nil
	}

	if err := r.persist(st); err != nil {
		return RunResult{}, err
	}
	return res, nil
}

// snapshot prices every whitelisted target denom against the base denom.
// Any missing or zero price fails the whole call, so every account in the
// pass rebalances on the same complete basis.
func (r *Runner) snapshot(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, denom := range r.engine.Whitelist() {
		if denom == r.cfg.BaseDenom {
			continue
		}
		q, err := r.oracle.Price(ctx, r.cfg.BaseDenom, denom)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", r.cfg.BaseDenom, denom, err)
		}
		prices[denom] = q.Price
	}
	return prices, nil
}

// processAccount gathers the account's balances and runs one decision pass.
func (r *Runner) processAccount(ctx context.Context, account string, prices map[string]decimal.Decimal, now time.Time) error {
	cfg, err := r.engine.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Targets))
	for _, t := range cfg.Targets {
		bal, err := r.bank.Balance(ctx, account, t.Denom)
		if err != nil {
			return err
		}
		balances[t.Denom] = bal
	}
	_, err = r.engine.Rebalance(ctx, account, balances, prices, now)
	return err
}

func (r *Runner) persist(st Status) error {
	return r.store.Update(func(txn *store.Txn) error {
		return txn.Set(statusKey, st)
	})
}

func (r *Runner) publish(ctx context.Context, ev events.Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		r.logger.Warn("event publish failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}
