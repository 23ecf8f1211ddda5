package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_push_delivered_total",
		Help: "Количество сообщений, переданных подписчикам push.",
	})
	pushDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_push_dropped_total",
		Help: "Количество сообщений push, отброшенных из-за переполненного буфера подписчика.",
	})
)

// Message — сообщение push-канала.
type Message struct {
	// ID — идентификатор для подавления повторов у подписчика
	ID string `json:"id"`
	// Event — имя события SSE
	Event string `json:"event"`
	// Data — полезная нагрузка (JSON)
	Data json.RawMessage `json:"data"`
}

// Publisher публикует сообщение в группу.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Message) error
}

// seenLimit — сколько последних ID помнит подписчик.
const seenLimit = 128

// Subscriber — подписка одного клиента на набор групп.
type Subscriber struct {
	// C — канал входящих сообщений; закрывается при Unsubscribe
	C    chan Message
	keys []string

	mu     sync.Mutex
	seen   map[string]struct{}
	order  []string
	closed bool
}

// offer передаёт сообщение без блокировки. Повторный ID игнорируется.
func (s *Subscriber) offer(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			return
		}
		s.seen[msg.ID] = struct{}{}
		s.order = append(s.order, msg.ID)
		if len(s.order) > seenLimit {
			delete(s.seen, s.order[0])
			s.order = s.order[1:]
		}
	}

	select {
	case s.C <- msg:
		pushDeliveredTotal.Inc()
	default:
		pushDroppedTotal.Inc()
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Hub — группы подписчиков внутри процесса.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub создаёт Hub. buffer — размер буфера канала подписчика.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger.With(slog.String("component", "push_hub")),
	}
}

// Subscribe добавляет подписчика во все группы keys.
func (h *Hub) Subscribe(keys []string) *Subscriber {
	sub := &Subscriber{
		C:    make(chan Message, h.buffer),
		keys: keys,
		seen: make(map[string]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		g, ok := h.groups[k]
		if !ok {
			g = make(map[*Subscriber]struct{})
			h.groups[k] = g
		}
		g[sub] = struct{}{}
	}

	h.logger.Debug("Подписчик добавлен", slog.Any("keys", keys))
	return sub
}

// Unsubscribe удаляет подписчика из групп и закрывает его канал.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	for _, k := range sub.keys {
		if g, ok := h.groups[k]; ok {
			delete(g, sub)
			if len(g) == 0 {
				delete(h.groups, k)
			}
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish доставляет сообщение подписчикам группы этого процесса.
// Не блокируется на медленных подписчиках.
func (h *Hub) Publish(_ context.Context, key string, msg Message) error {
	h.deliver(key, msg)
	return nil
}

func (h *Hub) deliver(key string, msg Message) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.groups[key]))
	for s := range h.groups[key] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.offer(msg)
	}
}

// GroupSize возвращает количество подписчиков группы.
func (h *Hub) GroupSize(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[key])
}
