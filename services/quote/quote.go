// Package quote fetches the market data the tunnel is computed from.
package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/lfelipediniz/B3Notifier/services/tunnel"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned whenever no usable quote could be obtained:
// rate limiting, network failure, unknown symbol or malformed payload
var ErrUnavailable = errors.New("quote unavailable")

const (
	dailySeriesKey = "Time Series (Daily)"
	maxAttempts    = 3
)

// AlphaVantage reads daily series from the Alpha Vantage API.
// The API exposes no order book, so bid and offer both equal the last close.
type AlphaVantage struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewAlphaVantage creates a client allowed perMinute requests per minute
func NewAlphaVantage(baseURL, apiKey string, perMinute int, log *zap.Logger) *AlphaVantage {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &AlphaVantage{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.Named("alphavantage"),
	}
}

type dailyBar struct {
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

type dailyResponse struct {
	ErrorMessage string              `json:"Error Message"`
	Note         string              `json:"Note"`
	Information  string              `json:"Information"`
	Series       map[string]dailyBar `json:"Time Series (Daily)"`
}

// Fetch returns the latest snapshot for symbol. The caller's context bounds
// the whole call including rate-limit waits and retries.
func (a *AlphaVantage) Fetch(ctx context.Context, symbol string) (tunnel.Snapshot, error) {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		// every attempt spends a token, retries included
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return a.get(ctx, symbol)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return tunnel.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	snap, err := parseDaily(body)
	if err != nil {
		return tunnel.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	return snap, nil
}

func (a *AlphaVantage) get(ctx context.Context, symbol string) ([]byte, error) {
	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		a.log.Debug("quote request failed, retrying", zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return body, nil
}

func parseDaily(body []byte) (tunnel.Snapshot, error) {
	var payload dailyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return tunnel.Snapshot{}, fmt.Errorf("decode payload: %w", err)
	}

	switch {
	case payload.ErrorMessage != "":
		return tunnel.Snapshot{}, fmt.Errorf("provider error: %s", payload.ErrorMessage)
	case payload.Note != "":
		return tunnel.Snapshot{}, fmt.Errorf("provider throttled: %s", payload.Note)
	case payload.Information != "":
		return tunnel.Snapshot{}, fmt.Errorf("provider refused: %s", payload.Information)
	case len(payload.Series) == 0:
		return tunnel.Snapshot{}, fmt.Errorf("missing %q", dailySeriesKey)
	}

	dates := make([]string, 0, len(payload.Series))
	for date := range payload.Series {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	last := payload.Series[dates[len(dates)-1]]
	ltp, err := decimal.NewFromString(last.Close)
	if err != nil {
		return tunnel.Snapshot{}, fmt.Errorf("last close %q: %w", last.Close, err)
	}
	if !ltp.IsPositive() {
		return tunnel.Snapshot{}, fmt.Errorf("non-positive last close %s", ltp)
	}
	volume, err := decimal.NewFromString(last.Volume)
	if err != nil {
		return tunnel.Snapshot{}, fmt.Errorf("last volume %q: %w", last.Volume, err)
	}

	closes := make([]decimal.Decimal, 0, len(dates))
	for _, date := range dates {
		c, err := decimal.NewFromString(payload.Series[date].Close)
		if err != nil {
			// a single bad bar only thins the history
			continue
		}
		closes = append(closes, c)
	}
	if len(closes) == 0 {
		closes = append(closes, ltp)
	}

	return tunnel.Snapshot{
		LastTraded: ltp,
		BestBid:    ltp,
		BestOffer:  ltp,
		Volume:     volume.IntPart(),
		Closes:     closes,
	}, nil
}
