package domain

import "time"

// EventType identifies the kind of notification event emitted by the engine.
type EventType string

const (
	EventSignalGenerated EventType = "SignalGenerated"
	EventTradeOpened     EventType = "TradeOpened"
	EventTradeClosed     EventType = "TradeClosed"
	EventTradingHalted   EventType = "TradingHalted"
	EventCycleError      EventType = "CycleError"
)

// Event is an immutable notification record. Delivery channels (Telegram,
// dashboards, ...) consume these; the engine only emits them.
type Event struct {
	Type       EventType
	Symbol     string
	Message    string
	Signal     *Signal // set for SignalGenerated
	Trade      *Trade  // set for TradeOpened/TradeClosed
	OccurredAt time.Time
}
