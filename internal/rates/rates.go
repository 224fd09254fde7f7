// Package rates provides the exchange-rate oracle collaborator. The
// settlement core only depends on the Oracle interface; a failing or
// slow upstream degrades to ErrUnavailable and never blocks fund paths.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/circuitbreaker"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/retry"
)

// ErrUnavailable means no rate could be obtained right now. Callers show
// amounts without conversion instead of waiting.
var ErrUnavailable = errors.New("rates: oracle unavailable")

// Oracle answers "how many units of quote per one unit of base".
type Oracle interface {
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// HTTPOracle fetches rates from an upstream JSON API, guarded by a
// circuit breaker so a flapping upstream fails fast.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPOracle creates an oracle against baseURL. The endpoint is
// GET {baseURL}/rate?base=X&quote=Y returning {"rate": "1.2345"}.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (o *HTTPOracle) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	pair := base + "/" + quote
	if !o.breaker.Allow(pair) {
		metrics.RateLookupsTotal.WithLabelValues("upstream", "circuit_open").Inc()
		return decimal.Zero, ErrUnavailable
	}

	var rate decimal.Decimal
	err := retry.Do(ctx, 2, 100*time.Millisecond, func() error {
		r, err := o.fetch(ctx, base, quote)
		if err != nil {
			return err
		}
		rate = r
		return nil
	})
	if err != nil {
		o.breaker.RecordFailure(pair)
		metrics.RateLookupsTotal.WithLabelValues("upstream", "error").Inc()
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	o.breaker.RecordSuccess(pair)
	metrics.RateLookupsTotal.WithLabelValues("upstream", "ok").Inc()
	return rate, nil
}

func (o *HTTPOracle) fetch(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/rate?base=%s&quote=%s", o.baseURL, url.QueryEscape(base), url.QueryEscape(quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, retry.Permanent(fmt.Errorf("unknown pair %s/%s", base, quote))
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var body struct {
		Rate string `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(body.Rate)
	if err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("bad rate %q: %w", body.Rate, err))
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, retry.Permanent(fmt.Errorf("non-positive rate %s", rate))
	}
	return rate, nil
}

var _ Oracle = (*HTTPOracle)(nil)
