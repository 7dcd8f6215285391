package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Potat-Industries/eval-server/internal/adapter/httpserver"
	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/domain"
)

// ClientMessageRouter is the Reverse-Call Router's socket-facing contract:
// it lets an inbound frame resolve a pending reverse call before falling
// back to treating it as a new submission.
type ClientMessageRouter interface {
	HandleClientMessage(raw []byte, submit func(id, code string, msg *domain.Msg) domain.Response) (handled bool, resp *domain.Response, malformed bool)
}

const heartbeatInterval = 30 * time.Second

// Submitter is the Submission Pipeline's socket-facing contract: the same
// shape the HTTP transport submits through, called for inbound frames that
// carry a new submission rather than a reverse-call reply.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) domain.Response
}

// upgrader accepts connections from any origin; CORS/origin policy is
// enforced in front of it by the shared chi middleware chain (app.BuildRouter),
// matching the teacher's ambient middleware stack rather than duplicating an
// origin check here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server hosts the /socket handler and the connected-client set the
// Reverse-Call Router broadcasts through.
type Server struct {
	AuthToken string
	Submitter Submitter
	router    ClientMessageRouter

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New builds a Server over submitter, authenticated with token. router may
// be nil if no Reverse-Call Router is wired (inbound frames are then always
// treated as new submissions).
func New(token string, submitter Submitter, router ClientMessageRouter) *Server {
	return &Server{
		AuthToken: token,
		Submitter: submitter,
		router:    router,
		clients:   make(map[*client]struct{}),
	}
}

// SetRouter wires the Reverse-Call Router in after construction, breaking
// the constructor cycle between the Router (which needs this Server as its
// ClientSet to broadcast through) and this Server (which needs the Router
// to resolve inbound reverse-call replies).
func (s *Server) SetRouter(router ClientMessageRouter) {
	s.router = router
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// Broadcast implements reversecall.ClientSet: it sends a frame to every
// currently connected client. The Reverse-Call Router races the first reply
// sharing the correlation id, so a best-effort fan-out to all clients is
// correct even when some writes fail.
func (s *Server) Broadcast(opcode int, data any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if err := c.writeFrame(Frame{Opcode: Opcode(opcode), Data: data}); err != nil {
			slog.Warn("wsserver: broadcast write failed", slog.Any("error", err))
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	observability.SocketClientsConnected.Inc()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	observability.SocketClientsConnected.Dec()
}

// Handler serves GET /socket?auth=<token>. A token mismatch closes the
// connection with code 4007 (§6); once attached the connection is held open
// for reverse-call broadcasts, inbound submissions, and a 30s HEARTBEAT.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("auth")
		if !httpserver.CheckToken(s.AuthToken, token) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(int(OpUnauthorized), "unauthorized"),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("wsserver: upgrade failed", slog.Any("error", err))
			return
		}

		c := &client{conn: conn}
		s.addClient(c)
		defer func() {
			s.removeClient(c)
			_ = conn.Close()
		}()

		s.serve(r.Context(), c)
	}
}

// serve runs the per-connection heartbeat ticker and read loop until the
// client disconnects.
func (s *Server) serve(ctx context.Context, c *client) {
	done := make(chan struct{})
	go s.heartbeatLoop(c, done)
	defer close(done)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, c, raw)
	}
}

func (s *Server) heartbeatLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg := heartbeatMessages[rand.Intn(len(heartbeatMessages))] //nolint:gosec // message selection has no security relevance.
			payload := heartbeatPayload{Timestamp: time.Now().UnixMilli(), Message: msg}
			if err := c.writeFrame(Frame{Opcode: OpHeartbeat, Data: payload}); err != nil {
				return
			}
		}
	}
}

// inboundFrame is the shape of a client-originated frame: either a pending
// reverse-call reply (matched by id against the Router) or a new submission
// request carrying code/msg.
type inboundFrame struct {
	ID   string          `json:"id"`
	Code string          `json:"code"`
	Msg  json.RawMessage `json:"msg"`
}

// handleFrame implements §4.7: parse JSON; on parse failure or a missing
// id/code, send MALFORMED; a reply matching a pending reverse-call id is
// handled by the Router (wired in by SetRouter); otherwise a
// non-empty code is treated as a new submission and answered with a
// DISPATCH frame sharing the inbound id.
func (s *Server) handleFrame(ctx context.Context, c *client, raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		_ = c.writeFrame(Frame{Opcode: OpMalformedData, Data: nil})
		return
	}
	if in.ID == "" {
		_ = c.writeFrame(Frame{Opcode: OpMalformedData, Data: nil})
		return
	}

	if s.router != nil {
		handled, resp, malformed := s.router.HandleClientMessage(raw, s.submitFromFrame(ctx))
		if malformed {
			_ = c.writeFrame(Frame{Opcode: OpMalformedData, Data: nil})
			return
		}
		if handled {
			if resp != nil {
				_ = c.writeFrame(Frame{Opcode: OpDispatch, Data: *resp})
			}
			return
		}
	}

	if in.ID == "" || in.Code == "" {
		_ = c.writeFrame(Frame{Opcode: OpMalformedData, Data: nil})
		return
	}

	var msg *domain.Msg
	if len(in.Msg) > 0 {
		msg = &domain.Msg{}
		_ = json.Unmarshal(in.Msg, msg)
	}
	resp := s.Submitter.Submit(ctx, domain.Submission{Code: in.Code, Msg: msg, CorrelationID: in.ID})
	_ = c.writeFrame(Frame{Opcode: OpDispatch, Data: resp})
}

func (s *Server) submitFromFrame(ctx context.Context) func(id, code string, msg *domain.Msg) domain.Response {
	return func(id, code string, msg *domain.Msg) domain.Response {
		return s.Submitter.Submit(ctx, domain.Submission{Code: code, Msg: msg, CorrelationID: id})
	}
}
