package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrExportUnavailable is returned while the breaker rejects writes.
var ErrExportUnavailable = errors.New("balance export unavailable")

// BreakerConfig controls when the export breaker opens.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before a trial write.
	Timeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, Timeout: time.Minute}
}

// BreakerWriter guards a BalanceWriter with a circuit breaker so an unavailable
// sheet backend fails fast instead of stalling every export.
type BreakerWriter struct {
	next    BalanceWriter
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerWriter(next BalanceWriter, cfg BreakerConfig) *BreakerWriter {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	settings := gobreaker.Settings{
		Name:        "balance-export",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerWriter{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerWriter) WriteBalances(ctx context.Context, groupID int64, rows []BalanceRow) (string, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.WriteBalances(ctx, groupID, rows)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrExportUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerWriter) State() string {
	return b.breaker.State().String()
}
