package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"prepline/internal/engine"
	"prepline/internal/scale"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveHub fans scale readings and runtime state changes out to
// connected UI clients. Slow clients are dropped rather than allowed
// to stall the broadcast loop.
type liveHub struct {
	register   chan *liveClient
	unregister chan *liveClient
	broadcast  chan []byte
	clients    map[*liveClient]struct{}
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newLiveHub() *liveHub {
	return &liveHub{
		register:   make(chan *liveClient),
		unregister: make(chan *liveClient),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*liveClient]struct{}),
	}
}

func (h *liveHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *liveHub) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

type readingMessage struct {
	Type         string  `json:"type"`
	TimestampMs  int64   `json:"timestamp_ms"`
	ValueG       float64 `json:"value_g"`
	Unit         string  `json:"unit,omitempty"`
	DeviceStable bool    `json:"device_stable"`
	Raw          string  `json:"raw,omitempty"`
}

type stateMessage struct {
	Type  string              `json:"type"`
	State engine.RuntimeState `json:"state"`
}

type linkMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// registerLive mounts the /live stream outside the API base path.
// Readings are broadcast telemetry, never persisted and never
// authorization-gated.
func registerLive(router chi.Router, rt *engine.Runtime, link *scale.Link) {
	hub := newLiveHub()
	go hub.run()

	if link != nil {
		link.Subscribe(func(f scale.Frame) {
			if !f.HasValue {
				return
			}
			hub.publish(readingMessage{
				Type:         "reading",
				TimestampMs:  time.Now().UnixMilli(),
				ValueG:       f.ValueG,
				Unit:         f.Unit,
				DeviceStable: f.DeviceStable,
				Raw:          f.Raw,
			})
		})
		link.SubscribeState(func(connected bool) {
			hub.publish(linkMessage{Type: "link", Connected: connected})
		})
	}
	if rt != nil {
		rt.Watch(func(st engine.RuntimeState) {
			hub.publish(stateMessage{Type: "state", State: st})
		})
	}

	router.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("live: upgrade failed: %v", err)
			return
		}
		c := &liveClient{conn: conn, send: make(chan []byte, 16)}
		hub.register <- c
		go c.writePump()
		go c.readPump(hub)
	})
}

func (c *liveClient) readPump(h *liveHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("live: read error: %v", err)
			}
			return
		}
	}
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
