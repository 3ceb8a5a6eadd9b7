package bridge

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/jmcleod/idvault/internal/uuid"
)

// Event names.
const (
	EventLock   = "lock"
	EventUnlock = "unlock"
	EventConfig = "config"
)

// Event is delivered to every handler subscribed to a vault.
type Event struct {
	Name      string `json:"event"`
	Data      any    `json:"data"`
	HandlerID string `json:"handlerId"`
}

// EventHandler receives vault events. A returned error is logged and does
// not affect the operation that produced the event.
type EventHandler func(Event) error

func (h *Handle) subscribe(fn EventHandler) string {
	id := uuid.New()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = fn
	return id
}

func (h *Handle) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

func (h *Handle) emit(name string, data any) {
	h.mu.Lock()
	ids := slices.Sorted(maps.Keys(h.handlers))
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = h.handlers[id]
	}
	h.mu.Unlock()

	for i, fn := range handlers {
		if err := fn(Event{Name: name, Data: data, HandlerID: ids[i]}); err != nil {
			h.logger.Warn("event delivery failed",
				slog.String("event", name),
				slog.String("handler_id", ids[i]),
				slog.Any("error", err),
			)
		}
	}
}

func (h *Handle) emitConfig() {
	h.emit(EventConfig, h.configData())
}
