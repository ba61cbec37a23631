package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// ShareableKeyChannel is notified by a trigger whenever a key eligible for
// outbound sync is inserted.
const ShareableKeyChannel = "efgs_shareable_key"

// Listen holds a dedicated connection on channel and calls onNotify for each
// notification until ctx is cancelled. Dropped connections are re-established
// after retryDelay.
func Listen(ctx context.Context, url, channel string, retryDelay time.Duration, logger *slog.Logger, onNotify func()) error {
	for {
		err := listenOnce(ctx, url, channel, onNotify)
		if ctx.Err() != nil {
			return nil
		}
		if logger != nil {
			logger.WarnContext(ctx, "notification listener disconnected", "channel", channel, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func listenOnce(ctx context.Context, url, channel string, onNotify func()) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		onNotify()
	}
}
