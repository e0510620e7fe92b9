// Package wsapi serves the websocket sync endpoint plus health and
// metrics. The administrative HTTP router is an external collaborator and
// lives elsewhere; it consumes the admin service directly.
package wsapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/noterelay/noterelay/internal/collab"
	"github.com/noterelay/noterelay/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Server accepts sync connections and drives their sessions.
type Server struct {
	engine  *collab.Engine
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewServer(engine *collab.Engine, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, log: log, metrics: m}
}

// Router mounts the socket endpoint, health check and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging(s.log))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.handleSocket)
	return r
}

// inboundMessage is the JSON envelope clients send.
type inboundMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	VaultID string `json:"vaultId,omitempty"`
	Payload string `json:"payload,omitempty"` // base64 sync-message bytes
}

// outboundMessage is the JSON envelope the server sends.
type outboundMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Payload string `json:"payload,omitempty"` // base64 sync-message bytes
}

// wsChannel adapts one websocket connection to the engine's ClientChannel.
// A write mutex keeps sends FIFO per connection.
type wsChannel struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) Send(event string, payload any) error {
	msg := outboundMessage{Type: event}
	if raw, ok := payload.([]byte); ok {
		msg.Payload = base64.StdEncoding.EncodeToString(raw)
	} else if payload != nil {
		msg.Data = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser plugins connect cross-origin to self-hosted servers.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx := r.Context()
	channel := &wsChannel{conn: conn, ctx: context.WithoutCancel(ctx)}
	session := s.engine.NewSession(ctx, channel)
	defer s.engine.Disconnect(session)

	for {
		var msg inboundMessage
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("unparseable socket envelope", zap.Error(err))
			continue
		}
		s.dispatch(ctx, session, channel, msg)
		select {
		case <-session.Done():
			return
		default:
		}
	}
}

func (s *Server) dispatch(ctx context.Context, session *collab.Session, channel *wsChannel, msg inboundMessage) {
	switch msg.Type {
	case "authenticate":
		if err := s.engine.Authenticate(ctx, session, msg.Token); err != nil {
			s.log.Debug("authentication failed", zap.Error(err))
		}
	case "join-vault":
		if err := s.engine.Join(ctx, session, msg.VaultID); err != nil {
			s.log.Debug("join failed", zap.String("vault", msg.VaultID), zap.Error(err))
		}
	case "leave-vault":
		s.engine.Leave(session)
	case "sync-message":
		payload, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			_ = channel.Send("error", collab.ErrorPayload{Message: "invalid payload encoding"})
			return
		}
		s.engine.HandleSyncMessage(session, payload)
	case "ping":
		s.engine.Ping(session)
	default:
		_ = channel.Send("error", collab.ErrorPayload{Message: "unknown message type"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
}
