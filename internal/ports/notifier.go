package ports

import (
	"context"

	"cryptoAutoTrader/internal/domain"
)

// Notifier receives engine events. Implementations must not block the
// caller; slow delivery is the implementation's problem, not the engine's.
type Notifier interface {
	Publish(ctx context.Context, event domain.Event)
}
