// Package vaultapi is the typed HTTP client for the on-chain vault control
// service. The client is stateless with respect to retries: the execution
// pipeline owns retry policy, while the client guards the upstream with a
// circuit breaker and rate-limits status polls.
package vaultapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrReverted marks an on-chain revert reported by the control service.
	// Reverts are terminal for the step that caused them.
	ErrReverted = errors.New("vault operation reverted")

	// ErrNoPool is returned when an operation needs an open pool position
	// and the vault reports none.
	ErrNoPool = errors.New("vault has no open pool position")
)

// Config tunes the façade.
type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration // mutating calls, default 55s
	StatusTimeout  time.Duration // status polls, default 10s
	StatusRPS      float64       // status poll rate limit, default 5/s
}

// Client is the typed vault façade.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	statusClient *http.Client
	breaker      *gobreaker.CircuitBreaker
	statusLimit  *rate.Limiter
}

// NewClient creates a vault façade client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 55 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if cfg.StatusRPS <= 0 {
		cfg.StatusRPS = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vaultapi",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A revert is an upstream answer, not an upstream outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrReverted)
		},
	})

	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		statusClient: &http.Client{Timeout: cfg.StatusTimeout},
		breaker:      breaker,
		statusLimit:  rate.NewLimiter(rate.Limit(cfg.StatusRPS), 1),
	}
}

// Status returns the live state of a vault.
func (c *Client) Status(ctx context.Context, dex, alias string) (*VaultStatus, error) {
	if err := c.statusLimit.Wait(ctx); err != nil {
		return nil, err
	}
	var status VaultStatus
	path := fmt.Sprintf("/api/vaults/%s/%s/status", dex, alias)
	if err := c.do(ctx, c.statusClient, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Collect claims accumulated fees for a vault position.
func (c *Client) Collect(ctx context.Context, dex, alias string) (*TxReceipt, error) {
	var receipt TxReceipt
	path := fmt.Sprintf("/api/vaults/%s/%s/collect", dex, alias)
	body := map[string]string{"alias": alias}
	if err := c.do(ctx, c.httpClient, http.MethodPost, path, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, checkReceipt(&receipt)
}

// Withdraw exits the vault's position with the given mode.
func (c *Client) Withdraw(ctx context.Context, dex, alias, mode string) (*TxReceipt, error) {
	var receipt TxReceipt
	path := fmt.Sprintf("/api/vaults/%s/%s/withdraw", dex, alias)
	body := WithdrawRequest{Alias: alias, Mode: mode}
	if err := c.do(ctx, c.httpClient, http.MethodPost, path, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, checkReceipt(&receipt)
}

// SwapExactIn executes an exact-in swap sized by the request.
func (c *Client) SwapExactIn(ctx context.Context, dex, alias string, req SwapRequest) (*SwapResult, error) {
	var result SwapResult
	path := fmt.Sprintf("/api/vaults/%s/%s/swap/exact-in", dex, alias)
	if err := c.do(ctx, c.httpClient, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, checkReceipt(&result.TxReceipt)
}

// Rebalance opens or realigns the vault's range. Price to tick conversion is
// the control service's responsibility.
func (c *Client) Rebalance(ctx context.Context, dex, alias string, req RebalanceRequest) (*TxReceipt, error) {
	var receipt TxReceipt
	path := fmt.Sprintf("/api/vaults/%s/%s/rebalance", dex, alias)
	if err := c.do(ctx, c.httpClient, http.MethodPost, path, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, checkReceipt(&receipt)
}

func checkReceipt(r *TxReceipt) error {
	if r.Reverted || r.Status == "reverted" {
		reason := r.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		return fmt.Errorf("%w: %s", ErrReverted, reason)
	}
	return nil
}

// errorBody is the error envelope the control service uses for non-2xx
// responses.
type errorBody struct {
	Error    string `json:"error"`
	Reverted bool   `json:"reverted"`
	Reason   string `json:"reason"`
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, reqBody, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var bodyReader io.Reader
		if reqBody != nil {
			data, err := json.Marshal(reqBody)
			if err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("vault request %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read vault response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var eb errorBody
			if json.Unmarshal(data, &eb) == nil && (eb.Reverted || eb.Reason != "") {
				reason := eb.Reason
				if reason == "" {
					reason = eb.Error
				}
				return nil, fmt.Errorf("%w: %s", ErrReverted, reason)
			}
			return nil, fmt.Errorf("vault %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("decode vault response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
