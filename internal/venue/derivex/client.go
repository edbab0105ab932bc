package derivex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"venueworker/internal/ratelimit"
)

// ClientConfig holds the REST endpoint and one account's API credentials
// (empty for the shared public client).
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

// Client is the DerivEx REST client. Signed requests carry
// timestamp+recvWindow in the query string and an HMAC-SHA256 signature
// over the encoded query, with the API key in the X-DVX-APIKEY header.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	rl     *ratelimit.TokenBucket
	logger *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
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
		})
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-DVX-APIKEY", cfg.APIKey)
	}
	return &Client{
		http:   httpClient,
		cfg:    cfg,
		rl:     ratelimit.NewTokenBucket(20, 20),
		logger: logger,
	}
}

// sign computes the HMAC-SHA256 hex signature over the encoded query.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one REST call; signed requests get timestamp,
// recvWindow, and signature appended to params.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, signed bool, result any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", c.sign(params.Encode()))
	}

	req := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params)
	if result != nil {
		req.SetResult(result)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(endpoint)
	case http.MethodPost:
		resp, err = req.Post(endpoint)
	case http.MethodDelete:
		resp, err = req.Delete(endpoint)
	case http.MethodPut:
		resp, err = req.Put(endpoint)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("%s %s: throttled: %s", method, endpoint, resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var info ExchangeInfo
	if err := c.request(ctx, http.MethodGet, "/api/v1/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Tickers(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h
	if err := c.request(ctx, http.MethodGet, "/api/v1/ticker/24hr", nil, false, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var klines []Kline
	if err := c.request(ctx, http.MethodGet, "/api/v1/klines", params, false, &klines); err != nil {
		return nil, err
	}
	return klines, nil
}

func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.request(ctx, http.MethodGet, "/api/v1/account", nil, true, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PlaceOrder submits one order. params must already carry symbol, side,
// type, quantity, and any price/timeInForce fields.
func (c *Client) PlaceOrder(ctx context.Context, params url.Values) (*OrderResult, error) {
	var result OrderResult
	if err := c.request(ctx, http.MethodPost, "/api/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var result OrderResult
	if err := c.request(ctx, http.MethodDelete, "/api/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var results []OrderResult
	if err := c.request(ctx, http.MethodDelete, "/api/v1/allOpenOrders", params, true, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]OrderResult, error) {
	var results []OrderResult
	if err := c.request(ctx, http.MethodGet, "/api/v1/openOrders", nil, true, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.request(ctx, http.MethodPost, "/api/v1/leverage", params, true, nil)
}

// StartUserStream opens a listen key for the account's user-data stream.
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	var key ListenKey
	if err := c.request(ctx, http.MethodPost, "/api/v1/listenKey", nil, true, &key); err != nil {
		return "", err
	}
	return key.ListenKey, nil
}

// KeepAliveUserStream extends the listen key's validity; the exchange
// expires idle keys after 60 minutes.
func (c *Client) KeepAliveUserStream(ctx context.Context) error {
	return c.request(ctx, http.MethodPut, "/api/v1/listenKey", nil, true, nil)
}
