package hyperlicked

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"venueworker/internal/ratelimit"
)

// ClientConfig holds the REST endpoints.
type ClientConfig struct {
	BaseURL string
	ChainID int64
}

// Client is the REST client: unauthenticated /info queries plus EIP-712
// signed /exchange actions for one account.
type Client struct {
	http   *resty.Client
	signer *Signer // nil for the shared public client
	rl     *ratelimit.TokenBucket
	logger *slog.Logger
}

// NewClient builds a client; signer may be nil for public-only use.
func NewClient(cfg ClientConfig, signer *Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     ratelimit.NewTokenBucket(10, 20),
		logger: logger,
	}
}

func (c *Client) info(ctx context.Context, body any, result any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// FetchMeta pulls the tradable universe.
func (c *Client) FetchMeta(ctx context.Context) (*Meta, error) {
	var meta Meta
	if err := c.info(ctx, map[string]string{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// FetchMids pulls the current mid price per coin.
func (c *Client) FetchMids(ctx context.Context) (map[string]string, error) {
	var mids map[string]string
	if err := c.info(ctx, map[string]string{"type": "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

// FetchClearinghouseState pulls one account's margin and positions.
func (c *Client) FetchClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error) {
	var state ClearinghouseState
	body := map[string]string{"type": "clearinghouseState", "user": user}
	if err := c.info(ctx, body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// FetchOpenOrders pulls one account's resting orders.
func (c *Client) FetchOpenOrders(ctx context.Context, user string) ([]OpenOrderWire, error) {
	var orders []OpenOrderWire
	body := map[string]string{"type": "openOrders", "user": user}
	if err := c.info(ctx, body, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// FetchCandles pulls up to limit bars for coin at interval, oldest first.
func (c *Client) FetchCandles(ctx context.Context, coin, interval string, limit int) ([]CandleWire, error) {
	intervalMs := intervalToMs(interval)
	start := time.Now().UnixMilli() - int64(limit)*intervalMs
	var candles []CandleWire
	body := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": start,
		},
	}
	if err := c.info(ctx, body, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func intervalToMs(interval string) int64 {
	if interval == "" {
		return 60_000
	}
	unit := interval[len(interval)-1]
	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n <= 0 {
		return 60_000
	}
	switch unit {
	case 'm':
		return n * 60_000
	case 'h':
		return n * 3_600_000
	case 'd':
		return n * 86_400_000
	default:
		return 60_000
	}
}

// Exchange posts a signed action. The nonce is the current millisecond
// timestamp, which the venue requires to be strictly increasing per wallet.
func (c *Client) Exchange(ctx context.Context, action Action) (*ExchangeResponse, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("exchange: no signer bound")
	}
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	nonce := time.Now().UnixMilli()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}

	var result ExchangeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ExchangeRequest{Action: action, Nonce: nonce, Signature: sig}).
		SetResult(&result).
		Post("/exchange")
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, fmt.Errorf("exchange: throttled: %s", resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("exchange: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}
