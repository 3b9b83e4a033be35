package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/covenant/governor/internal/events"
)

// ProgressStreamer fans governance bus events out to websocket clients so
// dashboards can watch candidates move through the pipeline live.
type ProgressStreamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewProgressStreamer subscribes to the bus. Call Run in a goroutine.
func NewProgressStreamer(bus *events.Bus) *ProgressStreamer {
	return &ProgressStreamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run pumps bus events to every connected client. Returns when the
// subscription channel closes.
func (ps *ProgressStreamer) Run() {
	sub := ps.bus.Subscribe(
		events.TypeCandidateProgress,
		events.TypeReviewRequested,
		events.TypeReviewResolved,
		events.TypeSecurityViolation,
		events.TypeBundleActivated,
		events.TypeBundleRolledBack,
	)
	for {
		select {
		case client := <-ps.register:
			ps.mu.Lock()
			ps.clients[client] = true
			total := len(ps.clients)
			ps.mu.Unlock()
			ps.logger.Printf("websocket client connected (total: %d)", total)

		case client := <-ps.unregister:
			ps.mu.Lock()
			if _, ok := ps.clients[client]; ok {
				delete(ps.clients, client)
				client.Close()
			}
			total := len(ps.clients)
			ps.mu.Unlock()
			ps.logger.Printf("websocket client disconnected (total: %d)", total)

		case event, ok := <-sub:
			if !ok {
				return
			}
			ps.mu.Lock()
			for client := range ps.clients {
				if err := client.WriteJSON(event); err != nil {
					ps.logger.Printf("websocket write: %v", err)
					client.Close()
					delete(ps.clients, client)
				}
			}
			ps.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away.
func (ps *ProgressStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.logger.Printf("websocket upgrade: %v", err)
		return
	}

	ps.register <- conn

	go func() {
		defer func() {
			ps.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Stats snapshots the hub.
func (ps *ProgressStreamer) Stats() map[string]interface{} {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(ps.clients),
		"dropped_events":    ps.bus.Dropped(),
	}
}
