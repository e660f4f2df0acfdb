package logging

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrTooManyClients is returned when the tail connection limit is reached.
var ErrTooManyClients = errors.New("too many log tail clients")

// TailMessage is one log line delivered to a websocket tail client.
type TailMessage struct {
	ID        uint64                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Broadcaster fans log entries out to websocket clients so operators can tail
// the gateway without shell access. It keeps a short replay buffer for clients
// that connect after the interesting part happened.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	feed    chan TailMessage
	stopCh  chan struct{}

	histMu  sync.Mutex
	history []TailMessage
	histCap int
	seq     uint64

	maxClients int
}

// NewBroadcaster creates a stopped broadcaster; call Start before use.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*websocket.Conn]struct{}),
		feed:       make(chan TailMessage, 100),
		stopCh:     make(chan struct{}),
		history:    make([]TailMessage, 0, 200),
		histCap:    200,
		maxClients: 16,
	}
}

// Start launches the fan-out goroutine.
func (b *Broadcaster) Start() {
	go func() {
		for {
			select {
			case msg := <-b.feed:
				b.mu.RLock()
				for conn := range b.clients {
					if err := conn.WriteJSON(msg); err != nil {
						go b.Detach(conn)
					}
				}
				b.mu.RUnlock()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop closes all client connections and halts fan-out.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		_ = conn.Close()
	}
	b.clients = make(map[*websocket.Conn]struct{})
}

// Attach registers a websocket client and replays the history buffer to it.
func (b *Broadcaster) Attach(conn *websocket.Conn) error {
	b.mu.Lock()
	if len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return ErrTooManyClients
	}
	b.clients[conn] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()

	b.histMu.Lock()
	replay := make([]TailMessage, len(b.history))
	copy(replay, b.history)
	b.histMu.Unlock()
	for _, msg := range replay {
		if err := conn.WriteJSON(msg); err != nil {
			b.Detach(conn)
			return err
		}
	}

	log.Debugf("Log tail client connected (total: %d)", n)
	return nil
}

// Detach removes and closes a websocket client.
func (b *Broadcaster) Detach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[conn]; ok {
		delete(b.clients, conn)
		_ = conn.Close()
	}
}

// ClientCount reports the number of attached tail clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// publish records the message in the replay buffer and hands it to the fan-out
// goroutine. Messages are dropped rather than blocking the logging path.
func (b *Broadcaster) publish(level, message string, fields map[string]interface{}) {
	msg := TailMessage{
		ID:        atomic.AddUint64(&b.seq, 1),
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}

	b.histMu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.histCap {
		excess := len(b.history) - b.histCap
		b.history = append([]TailMessage(nil), b.history[excess:]...)
	}
	b.histMu.Unlock()

	select {
	case b.feed <- msg:
	default:
	}
}

// Hook adapts the broadcaster into a logrus hook.
type Hook struct {
	b *Broadcaster
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []log.Level { return log.AllLevels }

// Fire implements logrus.Hook.
func (h *Hook) Fire(entry *log.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.b.publish(entry.Level.String(), entry.Message, fields)
	return nil
}

// InstallTail starts a broadcaster, hooks it into the global logger and
// returns it for route wiring.
func InstallTail() *Broadcaster {
	b := NewBroadcaster()
	b.Start()
	log.AddHook(&Hook{b: b})
	return b
}
