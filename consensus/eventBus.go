package consensus

import (
	"sync"

	"fedpi/logs"
)

// EventBus 副本事件的进程内分发。订阅者在重放循环的 goroutine 上同步执行。
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

func (eb *EventBus) Subscribe(topic EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[topic] = append(eb.handlers[topic], handler)
}

// Publish nil bus 上调用是空操作；单个订阅者 panic 不影响其他订阅者和重放循环
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		eb.dispatch(handler, event)
	}
}

func (eb *EventBus) dispatch(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logs.Error("[Consensus] %s handler panicked at height %d: %v", event.Type, event.Height, r)
		}
	}()
	handler(event)
}
