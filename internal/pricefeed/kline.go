package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	klinePath             = "/api/v3/klines"
	klineInterval         = "1m"
)

// KlineResolver resolves historical prices from a Binance-compatible kline
// endpoint. The price at t is the open of the first one-minute candle whose
// open time is at or after t. Outbound requests share one rate limiter so a
// large settlement sweep cannot exhaust the provider's quota.
type KlineResolver struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewKlineResolver creates a resolver for baseURL allowing requestsPerSecond
// outbound calls (burst 5). A zero timeout uses 10s.
func NewKlineResolver(baseURL string, requestsPerSecond float64, timeout time.Duration, logger *slog.Logger) *KlineResolver {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KlineResolver{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 5),
		logger:      logger.With("component", "kline_resolver"),
	}
}

func (r *KlineResolver) PriceAt(ctx context.Context, symbol string, t time.Time) (decimal.Decimal, error) {
	if err := r.rateLimiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("symbol", NormalizeSymbol(symbol))
	q.Set("interval", klineInterval)
	q.Set("startTime", strconv.FormatInt(t.UnixMilli(), 10))
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+klinePath+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("kline request failed",
			"symbol", symbol,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return decimal.Zero, fmt.Errorf("fetch klines: status %d", resp.StatusCode)
	}

	// Each kline is a heterogeneous array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var klines [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&klines); err != nil {
		return decimal.Zero, fmt.Errorf("decode klines: %w", err)
	}
	if len(klines) == 0 {
		return decimal.Zero, ErrNoPrice
	}
	if len(klines[0]) < 2 {
		return decimal.Zero, fmt.Errorf("%w: malformed kline", ErrBadPrice)
	}

	var open string
	if err := json.Unmarshal(klines[0][1], &open); err != nil {
		return decimal.Zero, fmt.Errorf("%w: open price: %v", ErrBadPrice, err)
	}
	return parsePositive(open)
}
