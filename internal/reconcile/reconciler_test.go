package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cl-range-bot/internal/clmath"
	"cl-range-bot/internal/database"
	"cl-range-bot/internal/vaultapi"
)

type fakeStatusClient struct {
	status *vaultapi.VaultStatus
	err    error
	calls  int
}

func (f *fakeStatusClient) Status(ctx context.Context, dex, alias string) (*vaultapi.VaultStatus, error) {
	f.calls++
	return f.status, f.err
}

func boundStrategy() *database.Strategy {
	return &database.Strategy{
		ID:      7,
		Name:    "eth-1m",
		Symbol:  "ETHUSDT",
		CfgHash: "abcd1234abcd1234",
		Vault: database.VaultBinding{
			Dex:           "uniswap",
			Alias:         "eth-vault-1",
			Token0Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			Token1Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		},
	}
}

func openEpisode() *database.Episode {
	return &database.Episode{
		ID:             42,
		StrategyID:     7,
		Status:         database.EpisodeStatusOpen,
		OpenTime:       1_700_000_000_000,
		OpenPrice:      2050,
		Pa:             2000,
		Pb:             2100,
		PoolType:       database.PoolTypeStandard,
		MajorityOnOpen: database.MajorityToken2,
		TargetMajorPct: 0.75,
	}
}

func liveStatus(lower, upper float64) *vaultapi.VaultStatus {
	return &vaultapi.VaultStatus{
		Dex:   "uniswap",
		Alias: "eth-vault-1",
		Pool:  &vaultapi.PoolInfo{Address: "0xpool", Fee: 500},
		Prices: vaultapi.Prices{
			Current: vaultapi.PricePair{PT1T0: 2050},
			Lower:   vaultapi.PricePair{PT1T0: lower},
			Upper:   vaultapi.PricePair{PT1T0: upper},
		},
	}
}

func TestPlanAlignedIsNoop(t *testing.T) {
	vault := &fakeStatusClient{status: liveStatus(2000, 2100)}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	require.NoError(t, err)
	assert.Nil(t, sig, "aligned vault must not produce a plan")
	assert.Equal(t, 1, vault.calls)
}

func TestPlanAlignedWithinTolerance(t *testing.T) {
	vault := &fakeStatusClient{status: liveStatus(2000+1e-10, 2100-1e-10)}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestPlanNoPoolOpensNewRange(t *testing.T) {
	status := liveStatus(0, 0)
	status.Pool = nil
	vault := &fakeStatusClient{status: status}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, database.SignalOpenNewRange, sig.SignalType)
	assert.Equal(t, database.SignalStatusPending, sig.Status)
	require.Len(t, sig.Steps, 1)
	step := sig.Steps[0]
	assert.Equal(t, database.ActionRebalance, step.Action)
	assert.Equal(t, "uniswap", step.Payload.Dex)
	assert.Equal(t, "eth-vault-1", step.Payload.Alias)
	assert.Equal(t, 2000.0, step.Payload.LowerPrice)
	assert.Equal(t, 2100.0, step.Payload.UpperPrice)
}

func TestPlanNoBindingRecordsIntent(t *testing.T) {
	vault := &fakeStatusClient{}
	r := New(vault, nil)

	strat := boundStrategy()
	strat.Vault = database.VaultBinding{}

	sig, err := r.Plan(context.Background(), strat, openEpisode())
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, database.SignalOpenNewRange, sig.SignalType)
	require.Len(t, sig.Steps, 1)
	assert.Equal(t, database.ActionNoopLegacy, sig.Steps[0].Action)
	assert.NotEmpty(t, sig.Steps[0].Payload.Reason)
	assert.Zero(t, vault.calls, "unbound strategy must not hit the vault service")
}

func TestPlanMisalignedBuildsRotation(t *testing.T) {
	vault := &fakeStatusClient{status: liveStatus(1950, 2080)}
	r := New(vault, nil)

	strat := boundStrategy()
	ep := openEpisode()
	sig, err := r.Plan(context.Background(), strat, ep)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, database.SignalRebalanceToRange, sig.SignalType)
	require.Len(t, sig.Steps, 4)

	assert.Equal(t, database.ActionCollect, sig.Steps[0].Action)
	assert.Equal(t, "eth-vault-1", sig.Steps[0].Payload.Alias)

	assert.Equal(t, database.ActionWithdraw, sig.Steps[1].Action)
	assert.Equal(t, "pool", sig.Steps[1].Payload.WithdrawMode)

	assert.Equal(t, database.ActionSwapExactIn, sig.Steps[2].Action)
	assert.Equal(t, strat.Vault.Token0Address, sig.Steps[2].Payload.Token0Address)
	assert.Equal(t, strat.Vault.Token1Address, sig.Steps[2].Payload.Token1Address)

	assert.Equal(t, database.ActionRebalance, sig.Steps[3].Action)
	assert.Equal(t, 2000.0, sig.Steps[3].Payload.LowerPrice)
	assert.Equal(t, 2100.0, sig.Steps[3].Payload.UpperPrice)

	// The producing episode is snapshotted into the signal.
	assert.Equal(t, ep.ID, sig.Episode.EpisodeID)
	assert.Equal(t, ep.Pa, sig.Episode.Pa)
	assert.Equal(t, ep.Pb, sig.Episode.Pb)
	assert.Equal(t, ep.MajorityOnOpen, sig.Episode.MajorityOnOpen)
	assert.Equal(t, ep.TargetMajorPct, sig.Episode.TargetMajorPct)
	assert.Equal(t, ep.OpenTime, sig.Ts)
	assert.Equal(t, strat.CfgHash, sig.CfgHash)
}

func TestPlanOneBoundMisaligned(t *testing.T) {
	// Only the upper bound drifts; a rotation is still required.
	vault := &fakeStatusClient{status: liveStatus(2000, 2100.5)}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, database.SignalRebalanceToRange, sig.SignalType)
}

func TestPlanAlignedViaTickDerivedBand(t *testing.T) {
	// The control service reports the band only as ticks; the prices are
	// derived locally through the pool's token decimals.
	status := liveStatus(0, 0)
	status.Pool.LowerTick = 200000
	status.Pool.UpperTick = 201000
	status.Pool.Token0Decimals = 18
	status.Pool.Token1Decimals = 6

	ep := openEpisode()
	ep.Pa = clmath.TickToPrice(200000, 18, 6)
	ep.Pb = clmath.TickToPrice(201000, 18, 6)

	vault := &fakeStatusClient{status: status}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), ep)
	require.NoError(t, err)
	assert.Nil(t, sig, "tick-derived band matches the episode")
}

func TestPlanMisalignedViaTickDerivedBand(t *testing.T) {
	status := liveStatus(0, 0)
	status.Pool.LowerTick = 200000
	status.Pool.UpperTick = 201000
	status.Pool.Token0Decimals = 18
	status.Pool.Token1Decimals = 6

	ep := openEpisode()
	ep.Pa = clmath.TickToPrice(199000, 18, 6)
	ep.Pb = clmath.TickToPrice(201000, 18, 6)

	vault := &fakeStatusClient{status: status}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), ep)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, database.SignalRebalanceToRange, sig.SignalType)
}

func TestPlanNoDecimalsNoDerivation(t *testing.T) {
	// Without reported decimals a zero-priced band cannot be derived and the
	// vault is treated as misaligned.
	status := liveStatus(0, 0)
	status.Pool.LowerTick = 200000
	status.Pool.UpperTick = 201000

	vault := &fakeStatusClient{status: status}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, database.SignalRebalanceToRange, sig.SignalType)
}

func TestPlanStatusErrorPropagates(t *testing.T) {
	wantErr := errors.New("vault service unavailable")
	vault := &fakeStatusClient{err: wantErr}
	r := New(vault, nil)

	sig, err := r.Plan(context.Background(), boundStrategy(), openEpisode())
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, sig)
}
