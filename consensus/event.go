package consensus

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventBlockApplied EventType = "block.applied"
	EventRedelivered  EventType = "block.redelivered"
	EventHalted       EventType = "replica.halted"
	EventDivergence   EventType = "replica.divergence"
)

// Event 重放循环对外发布的事件
type Event struct {
	Type    EventType
	Height  uint64
	AppHash []byte
	Err     error
}

type EventHandler func(Event)
