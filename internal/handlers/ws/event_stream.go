// Package ws streams orchestrator events to connected players over WebSocket.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	apperrors "streamperf/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
	}
}

type client struct {
	id     string
	conn   *websocket.Conn
	types  map[domain.EventType]bool // nil means every type
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *client) wants(t domain.EventType) bool {
	return c.types == nil || c.types[t]
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}

// EventStream fans bus events out to WebSocket subscribers
type EventStream struct {
	config   Config
	upgrader websocket.Upgrader
	clients  *xsync.MapOf[string, *client]
	dropped  *xsync.Counter
	logger   *zap.SugaredLogger
}

func NewEventStream(config Config, logger *zap.SugaredLogger) *EventStream {
	if config.SendBuffer < 1 {
		config.SendBuffer = 1
	}
	s := &EventStream{
		config:  config,
		clients: xsync.NewMapOf[string, *client](),
		dropped: xsync.NewCounter(),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *EventStream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Publish encodes the event once and queues it for every interested client.
// A client whose queue is full is disconnected.
func (s *EventStream) Publish(event domain.Event) {
	if s.clients.Size() == 0 {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warnw("failed to encode event", "type", event.Type, "error", err)
		return
	}

	s.clients.Range(func(id string, c *client) bool {
		if !c.wants(event.Type) {
			return true
		}
		select {
		case c.send <- data:
		case <-c.closed:
		default:
			s.dropped.Inc()
			s.logger.Warnw("slow event subscriber disconnected", "client_id", id)
			c.close()
		}
		return true
	})
}

func parseTypes(raw string) (map[domain.EventType]bool, error) {
	if raw == "" {
		return nil, nil
	}
	types := make(map[domain.EventType]bool)
	for _, name := range strings.Split(raw, ",") {
		t, err := domain.ParseEventType(strings.TrimSpace(name))
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "unknown event type "+name, http.StatusBadRequest)
		}
		types[t] = true
	}
	return types, nil
}

// Handle upgrades GET /api/v1/events; ?types=a,b narrows the stream
func (s *EventStream) Handle(c *gin.Context) {
	types, err := parseTypes(c.Query("types"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		id:     uuid.NewString(),
		conn:   conn,
		types:  types,
		send:   make(chan []byte, s.config.SendBuffer),
		closed: make(chan struct{}),
	}
	s.clients.Store(cl.id, cl)
	s.logger.Infow("event subscriber connected", "client_id", cl.id, "remote", c.ClientIP())

	go s.readLoop(cl)
	s.writeLoop(cl)

	s.clients.Delete(cl.id)
	conn.Close()
	s.logger.Infow("event subscriber disconnected", "client_id", cl.id)
}

// readLoop only services control frames; the stream is one-way
func (s *EventStream) readLoop(cl *client) {
	defer cl.close()

	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("event subscriber read error", "client_id", cl.id, "error", err)
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(cl *client) {
	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.close()
				return
			}
		case <-ping.C:
			cl.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.closed:
			deadline := time.Now().Add(s.config.WriteTimeout)
			_ = cl.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (s *EventStream) ClientCount() int {
	return s.clients.Size()
}

// Dropped counts subscribers disconnected for falling behind
func (s *EventStream) Dropped() int64 {
	return s.dropped.Value()
}

// Close disconnects every subscriber
func (s *EventStream) Close() {
	s.clients.Range(func(_ string, c *client) bool {
		c.close()
		return true
	})
}
