// Package reconcile turns a desired episode band into an ordered execution
// plan by comparing it against the vault's live range. The step order of a
// rotation is fixed: fees are collected before liquidity is torn down,
// capital is idle before it is swapped, and the rebalance sees final idle
// proportions.
package reconcile

import (
	"context"
	"math"

	"cl-range-bot/internal/clmath"
	"cl-range-bot/internal/database"
	"cl-range-bot/internal/logging"
	"cl-range-bot/internal/vaultapi"
)

// alignTol is the absolute tolerance under which the live band is considered
// equal to the desired one.
const alignTol = 1e-9

// StatusClient reads live vault state.
type StatusClient interface {
	Status(ctx context.Context, dex, alias string) (*vaultapi.VaultStatus, error)
}

// Reconciler plans vault transitions for episodes.
type Reconciler struct {
	vault  StatusClient
	logger *logging.Logger
}

// New creates a reconciler over a vault status source.
func New(vault StatusClient, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.WithComponent("reconcile")
	}
	return &Reconciler{vault: vault, logger: logger}
}

// Plan returns the signal required to move the strategy's vault onto the
// episode's band, or nil when the live range already matches.
func (r *Reconciler) Plan(ctx context.Context, strat *database.Strategy, ep *database.Episode) (*database.Signal, error) {
	binding := strat.Vault

	// Without routing information the intent is still recorded, as a plan
	// the pipeline completes trivially.
	if binding.Dex == "" || binding.Alias == "" {
		return r.signal(strat, ep, database.SignalOpenNewRange, []database.Step{{
			Action: database.ActionNoopLegacy,
			Payload: database.StepPayload{
				Reason: "no vault binding; intent recorded only",
			},
		}}), nil
	}

	status, err := r.vault.Status(ctx, binding.Dex, binding.Alias)
	if err != nil {
		return nil, err
	}

	if status == nil || status.Pool == nil {
		return r.signal(strat, ep, database.SignalOpenNewRange, []database.Step{
			rebalanceStep(binding, ep),
		}), nil
	}

	liveLower, liveUpper := liveBand(status)
	if aligned(liveLower, ep.Pa) && aligned(liveUpper, ep.Pb) {
		r.logger.Debug("vault already on desired band",
			"alias", binding.Alias, "pa", ep.Pa, "pb", ep.Pb)
		return nil, nil
	}

	steps := []database.Step{
		{
			Action:  database.ActionCollect,
			Payload: database.StepPayload{Dex: binding.Dex, Alias: binding.Alias},
		},
		{
			Action: database.ActionWithdraw,
			Payload: database.StepPayload{
				Dex: binding.Dex, Alias: binding.Alias, WithdrawMode: "pool",
			},
		},
		{
			Action: database.ActionSwapExactIn,
			Payload: database.StepPayload{
				Dex: binding.Dex, Alias: binding.Alias,
				Token0Address: binding.Token0Address,
				Token1Address: binding.Token1Address,
			},
		},
		rebalanceStep(binding, ep),
	}
	return r.signal(strat, ep, database.SignalRebalanceToRange, steps), nil
}

func rebalanceStep(binding database.VaultBinding, ep *database.Episode) database.Step {
	return database.Step{
		Action: database.ActionRebalance,
		Payload: database.StepPayload{
			Dex: binding.Dex, Alias: binding.Alias,
			LowerPrice: ep.Pa, UpperPrice: ep.Pb,
		},
	}
}

func (r *Reconciler) signal(strat *database.Strategy, ep *database.Episode, signalType string, steps []database.Step) *database.Signal {
	return &database.Signal{
		StrategyID: strat.ID,
		Ts:         ep.OpenTime,
		SignalType: signalType,
		Status:     database.SignalStatusPending,
		CfgHash:    strat.CfgHash,
		Symbol:     strat.Symbol,
		Steps:      steps,
		Episode: database.EpisodeRef{
			EpisodeID:      ep.ID,
			Pa:             ep.Pa,
			Pb:             ep.Pb,
			PoolType:       ep.PoolType,
			MajorityOnOpen: ep.MajorityOnOpen,
			TargetMajorPct: ep.TargetMajorPct,
			OpenPrice:      ep.OpenPrice,
		},
	}
}

// liveBand returns the vault's live (lower, upper) band as decimals-adjusted
// p_t1_t0 prices. Control services that report the band only as ticks get the
// prices derived locally from the pool's ticks and token decimals.
func liveBand(status *vaultapi.VaultStatus) (lower, upper float64) {
	lower = status.Prices.Lower.PT1T0
	upper = status.Prices.Upper.PT1T0
	if lower > 0 && upper > 0 {
		return lower, upper
	}
	if p := status.Pool; p != nil && (p.Token0Decimals > 0 || p.Token1Decimals > 0) {
		return clmath.TickToPrice(p.LowerTick, p.Token0Decimals, p.Token1Decimals),
			clmath.TickToPrice(p.UpperTick, p.Token0Decimals, p.Token1Decimals)
	}
	return lower, upper
}

func aligned(live, desired float64) bool {
	return math.Abs(live-desired) <= alignTol
}
