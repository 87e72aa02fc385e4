package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ibot_go/internal/domain"
	"ibot_go/internal/engine"
	"ibot_go/internal/infra"
)

// Readiness is satisfied by anything that can wait for the gateway's
// ready event.
type Readiness interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// RetryPolicy bounds a connection attempt sequence.
type RetryPolicy struct {
	Host      string
	Port      int
	TaskName  string
	Attempts  int
	Timeout   time.Duration // per-attempt wait for readiness
	BaseDelay time.Duration // first backoff, doubled per attempt
}

// ConnectWithRetry opens a gateway session and waits until it is ready.
// Every retry draws a fresh client id so a half-open session on the broker
// side cannot collide with the next attempt. It returns the client id of
// the session that became ready.
func ConnectWithRetry(ctx context.Context, gw domain.ExecutionGateway, ready Readiness, ids *engine.ClientIDAllocator, p RetryPolicy, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	clientID, err := ids.Assign(p.TaskName)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := infra.BackoffFrom(p.BaseDelay, attempt-1)
			logger.Info("🔄 Retrying gateway connection",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}

			if clientID, err = ids.Reassign(p.TaskName); err != nil {
				return 0, err
			}
		}

		err := gw.Connect(ctx, p.Host, p.Port, clientID)
		if err == nil {
			if err = ready.WaitReady(ctx, p.Timeout); err == nil {
				logger.Info("✅ Gateway session ready", slog.Int("client_id", clientID), slog.Int("attempt", attempt+1))
				return clientID, nil
			}
			_ = gw.Close()
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !domain.IsRetriable(err) {
			return 0, err
		}
		logger.Warn("Gateway connection attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("client_id", clientID),
			slog.Any("error", err))
		lastErr = err
	}

	return 0, fmt.Errorf("gateway unavailable after %d attempts: %w", attempts, lastErr)
}
