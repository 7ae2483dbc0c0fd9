// Package pipeline drains the durable signal queue and executes each plan
// step by step against the vault control service. Steps run strictly in
// order; a step that exhausts its retries fails the whole signal and the
// remaining steps are not attempted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/vaultapi"
)

// VaultClient is the vault control surface the executor drives.
type VaultClient interface {
	Status(ctx context.Context, dex, alias string) (*vaultapi.VaultStatus, error)
	Collect(ctx context.Context, dex, alias string) (*vaultapi.TxReceipt, error)
	Withdraw(ctx context.Context, dex, alias, mode string) (*vaultapi.TxReceipt, error)
	SwapExactIn(ctx context.Context, dex, alias string, req vaultapi.SwapRequest) (*vaultapi.SwapResult, error)
	Rebalance(ctx context.Context, dex, alias string, req vaultapi.RebalanceRequest) (*vaultapi.TxReceipt, error)
}

// SignalStore is the queue persistence surface.
type SignalStore interface {
	ListPendingSignals(ctx context.Context, limit int) ([]*database.Signal, error)
	MarkSignalSuccess(ctx context.Context, sig *database.Signal) error
	MarkSignalFailure(ctx context.Context, sig *database.Signal, lastError string) error
}

// Config tunes the executor loop.
type Config struct {
	MaxRetries   int           // attempts per step, default 3
	BaseBackoff  time.Duration // backoff grows linearly with the attempt, default 2s
	BatchSize    int           // pending signals per poll, default 10, cap 50
	PollInterval time.Duration // default 5s
	MinSwapUSD   float64       // swaps smaller than this are skipped, default 1.0
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchSize > 50 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MinSwapUSD <= 0 {
		c.MinSwapUSD = 1.0
	}
}

// Executor runs PENDING signals to completion or terminal failure.
type Executor struct {
	store  SignalStore
	vault  VaultClient
	bus    *events.Bus
	cfg    Config
	logger zerolog.Logger

	// sleep is swappable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires the executor to its queue and vault client.
func NewExecutor(store SignalStore, vault VaultClient, bus *events.Bus, cfg Config, logger zerolog.Logger) *Executor {
	cfg.defaults()
	return &Executor{
		store:  store,
		vault:  vault,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls the queue until the context is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info().
		Dur("poll_interval", e.cfg.PollInterval).
		Int("batch_size", e.cfg.BatchSize).
		Msg("executor started")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("executor stopped")
			return
		case <-ticker.C:
			if err := e.ProcessBatch(ctx); err != nil {
				e.logger.Error().Err(err).Msg("batch failed")
			}
		}
	}
}

// ProcessBatch executes one poll's worth of pending signals, oldest first.
func (e *Executor) ProcessBatch(ctx context.Context) error {
	signals, err := e.store.ListPendingSignals(ctx, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending signals: %w", err)
	}
	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.executeSignal(ctx, sig)
	}
	return nil
}

// executeSignal runs one plan's steps in order. The first step that exhausts
// its retries fails the signal; steps after it never run.
func (e *Executor) executeSignal(ctx context.Context, sig *database.Signal) {
	runID := uuid.New().String()[:8]
	logger := e.logger.With().
		Str("run_id", runID).
		Int64("signal_id", sig.ID).
		Str("signal_type", sig.SignalType).
		Str("symbol", sig.Symbol).
		Logger()

	logger.Info().Int("steps", len(sig.Steps)).Msg("executing signal")

	for i, step := range sig.Steps {
		if err := e.runStepWithRetry(ctx, sig, step, logger); err != nil {
			cause := fmt.Sprintf("step %d %s: %v", i, step.Action, err)
			logger.Error().Err(err).Str("action", step.Action).Int("step", i).
				Msg("signal failed")
			if mErr := e.store.MarkSignalFailure(ctx, sig, cause); mErr != nil {
				logger.Error().Err(mErr).Msg("failed to persist signal failure")
			}
			e.publish(events.EventSignalFailed, sig, cause)
			return
		}
	}

	if err := e.store.MarkSignalSuccess(ctx, sig); err != nil {
		logger.Error().Err(err).Msg("failed to persist signal success")
		return
	}
	logger.Info().Int("attempts", sig.Attempts).Msg("signal executed")
	e.publish(events.EventSignalExecuted, sig, "")
}

// runStepWithRetry retries transient step errors with linear backoff. An
// on-chain revert is terminal immediately: retrying a reverting transaction
// only burns gas.
func (e *Executor) runStepWithRetry(ctx context.Context, sig *database.Signal, step database.Step, logger zerolog.Logger) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		sig.Attempts++
		err = e.runStep(ctx, sig, step)
		if err == nil {
			return nil
		}
		if errors.Is(err, vaultapi.ErrReverted) {
			return err
		}
		if attempt < e.cfg.MaxRetries {
			backoff := e.cfg.BaseBackoff * time.Duration(attempt)
			logger.Warn().Err(err).Str("action", step.Action).
				Int("attempt", attempt).Dur("backoff", backoff).
				Msg("step failed, retrying")
			if sErr := e.sleep(ctx, backoff); sErr != nil {
				return sErr
			}
		}
	}
	return err
}

func (e *Executor) runStep(ctx context.Context, sig *database.Signal, step database.Step) error {
	p := step.Payload
	switch step.Action {
	case database.ActionCollect:
		_, err := e.vault.Collect(ctx, p.Dex, p.Alias)
		return err
	case database.ActionWithdraw:
		mode := p.WithdrawMode
		if mode == "" {
			mode = "pool"
		}
		_, err := e.vault.Withdraw(ctx, p.Dex, p.Alias, mode)
		return err
	case database.ActionSwapExactIn:
		return e.runSwap(ctx, sig, p)
	case database.ActionRebalance:
		// Holdings are re-read just before realigning; the control service
		// sizes its caps server-side from the same fresh state.
		status, err := e.vault.Status(ctx, p.Dex, p.Alias)
		if err != nil {
			return fmt.Errorf("status before rebalance: %w", err)
		}
		e.logger.Debug().Int64("signal_id", sig.ID).
			Float64("cap0", status.Holdings.Totals.Token0).
			Float64("cap1", status.Holdings.Totals.Token1).
			Msg("rebalancing with fresh holdings")
		_, err = e.vault.Rebalance(ctx, p.Dex, p.Alias, vaultapi.RebalanceRequest{
			LowerPrice: p.LowerPrice,
			UpperPrice: p.UpperPrice,
		})
		return err
	case database.ActionNoopLegacy:
		e.logger.Info().Int64("signal_id", sig.ID).Str("reason", p.Reason).
			Msg("noop step completed")
		return nil
	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

// runSwap sizes the rebalancing swap from live vault holdings. All value is
// measured in token1 units through the current p_t1_t0 price; the target is
// the episode's major-side percentage of total idle value.
func (e *Executor) runSwap(ctx context.Context, sig *database.Signal, p database.StepPayload) error {
	status, err := e.vault.Status(ctx, p.Dex, p.Alias)
	if err != nil {
		return fmt.Errorf("status before swap: %w", err)
	}

	price := status.Prices.Current.PT1T0
	if price <= 0 {
		e.logger.Warn().Int64("signal_id", sig.ID).Float64("price", price).
			Msg("non-positive price, skipping swap")
		return nil
	}

	usd0 := status.Holdings.Totals.Token0 * price
	usd1 := status.Holdings.Totals.Token1
	total := usd0 + usd1
	if total <= 0 {
		return nil
	}

	majorIsToken0 := sig.Episode.MajorityOnOpen == database.MajorityToken2
	majorUSD := usd1
	if majorIsToken0 {
		majorUSD = usd0
	}

	deltaUSD := total*sig.Episode.TargetMajorPct - majorUSD
	if math.Abs(deltaUSD) < e.cfg.MinSwapUSD {
		e.logger.Debug().Int64("signal_id", sig.ID).Float64("delta_usd", deltaUSD).
			Msg("holdings within tolerance, skipping swap")
		return nil
	}

	var tokenIn, tokenOut string
	var available float64
	if deltaUSD > 0 {
		// Major side is short: sell minor for major.
		if majorIsToken0 {
			tokenIn, tokenOut, available = p.Token1Address, p.Token0Address, usd1
		} else {
			tokenIn, tokenOut, available = p.Token0Address, p.Token1Address, usd0
		}
	} else {
		if majorIsToken0 {
			tokenIn, tokenOut, available = p.Token0Address, p.Token1Address, usd0
		} else {
			tokenIn, tokenOut, available = p.Token1Address, p.Token0Address, usd1
		}
	}

	amountUSD := math.Min(math.Abs(deltaUSD), available)
	if amountUSD < e.cfg.MinSwapUSD {
		return nil
	}

	e.logger.Info().Int64("signal_id", sig.ID).
		Str("token_in", tokenIn).Str("token_out", tokenOut).
		Float64("amount_usd", amountUSD).
		Msg("executing rebalancing swap")

	_, err = e.vault.SwapExactIn(ctx, p.Dex, p.Alias, vaultapi.SwapRequest{
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountInUSD: amountUSD,
	})
	return err
}

func (e *Executor) publish(eventType events.EventType, sig *database.Signal, cause string) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"signal_id":   sig.ID,
		"strategy_id": sig.StrategyID,
		"signal_type": sig.SignalType,
		"symbol":      sig.Symbol,
		"attempts":    sig.Attempts,
	}
	if cause != "" {
		data["error"] = cause
	}
	e.bus.Publish(events.Event{Type: eventType, Data: data})
}
