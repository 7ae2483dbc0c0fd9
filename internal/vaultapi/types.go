package vaultapi

// PricePair carries a price quoted both ways, decimals-adjusted.
type PricePair struct {
	PT1T0 float64 `json:"p_t1_t0"`
	PT0T1 float64 `json:"p_t0_t1"`
}

// PoolInfo identifies the live pool position of a vault. Token decimals are
// reported so band prices can be derived locally from the ticks.
type PoolInfo struct {
	Address        string `json:"address"`
	Fee            int    `json:"fee"`
	LowerTick      int    `json:"lower_tick"`
	UpperTick      int    `json:"upper_tick"`
	Liquidity      string `json:"liquidity"`
	Token0Decimals int    `json:"token0_decimals,omitempty"`
	Token1Decimals int    `json:"token1_decimals,omitempty"`
}

// Totals are the vault's idle plus deployed token balances.
type Totals struct {
	Token0 float64 `json:"token0"`
	Token1 float64 `json:"token1"`
}

// Holdings groups the balance views of a vault.
type Holdings struct {
	Totals Totals `json:"totals"`
}

// Prices groups the current price and the live band bounds.
type Prices struct {
	Current PricePair `json:"current"`
	Lower   PricePair `json:"lower"`
	Upper   PricePair `json:"upper"`
}

// VaultStatus is the live state of one vault as reported by the control
// service. Pool is nil when no position is open.
type VaultStatus struct {
	Dex      string    `json:"dex"`
	Alias    string    `json:"alias"`
	Pool     *PoolInfo `json:"pool"`
	Prices   Prices    `json:"prices"`
	Holdings Holdings  `json:"holdings"`
}

// TxReceipt is the common response shape of mutating vault operations.
type TxReceipt struct {
	TxHash   string  `json:"tx_hash"`
	Status   string  `json:"status"`
	Reverted bool    `json:"reverted"`
	Reason   string  `json:"reason,omitempty"`
	GasUSD   float64 `json:"gas_usd,omitempty"`
}

// SwapRequest sizes an exact-in swap. Exactly one of AmountInUSD or AmountIn
// should be set; the control service resolves USD sizing server-side.
type SwapRequest struct {
	TokenIn     string  `json:"token_in"`
	TokenOut    string  `json:"token_out"`
	AmountInUSD float64 `json:"amount_in_usd,omitempty"`
	AmountIn    string  `json:"amount_in,omitempty"`
}

// SwapResult is the response of a swap execution.
type SwapResult struct {
	TxReceipt
	AmountOutRaw string  `json:"amount_out_raw"`
	GasUSD       float64 `json:"gas_usd"`
}

// RebalanceRequest realigns the vault's range. Prices are decimals-adjusted
// p_t1_t0 values; ticks are optional and take precedence when set.
type RebalanceRequest struct {
	LowerPrice float64 `json:"lower_price"`
	UpperPrice float64 `json:"upper_price"`
	LowerTick  *int    `json:"lower_tick,omitempty"`
	UpperTick  *int    `json:"upper_tick,omitempty"`
}

// WithdrawRequest exits a position. Mode "pool" tears down the pool position
// only; "all" also withdraws idle balances.
type WithdrawRequest struct {
	Alias string `json:"alias"`
	Mode  string `json:"mode"`
}
