package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoAutoTrader/internal/domain"
)

type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func (m *mockLogger) warnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.warns)
}

type mockSink struct {
	mu        sync.Mutex
	delivered []domain.Event
	err       error
}

func (m *mockSink) Deliver(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.delivered = append(m.delivered, event)
	return nil
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) deliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

func TestPublishReachesAllSinks(t *testing.T) {
	a, b := &mockSink{}, &mockSink{}
	bus := NewBus(&mockLogger{}, a, b)

	bus.Publish(context.Background(), domain.Event{
		Type: domain.EventTradeOpened, Symbol: "ETHUSDT", Message: "opened",
		OccurredAt: time.Now().UTC(),
	})
	bus.Close()

	require.Equal(t, 1, a.deliveredCount())
	require.Equal(t, 1, b.deliveredCount())
	assert.Equal(t, domain.EventTradeOpened, a.delivered[0].Type)
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &mockSink{err: errors.New("telegram down")}
	good := &mockSink{}
	logger := &mockLogger{}
	bus := NewBus(logger, bad, good)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventCycleError})
	bus.Close()

	assert.Equal(t, 1, good.deliveredCount())
	assert.Equal(t, 1, logger.warnCount())
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	sink := &mockSink{}
	bus := NewBus(&mockLogger{}, sink)
	bus.Close()

	// Must neither panic nor deliver.
	bus.Publish(context.Background(), domain.Event{Type: domain.EventTradeClosed})
	assert.Zero(t, sink.deliveredCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(&mockLogger{}, &mockSink{})
	bus.Close()
	bus.Close()
}

func TestPublishRacingCloseDoesNotPanic(t *testing.T) {
	sink := &mockSink{}
	bus := NewBus(&mockLogger{}, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(context.Background(), domain.Event{Type: domain.EventSignalGenerated})
			}
		}()
	}
	bus.Close()
	wg.Wait()

	// Publishes landing after shutdown are dropped; nothing is delivered
	// more than once and the send side never panics.
	assert.LessOrEqual(t, sink.deliveredCount(), 800)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	sink := &mockSink{}
	bus := NewBus(&mockLogger{}, sink)

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), domain.Event{Type: domain.EventSignalGenerated})
	}
	bus.Close()

	assert.Equal(t, 10, sink.deliveredCount())
}
