// Package reversecall implements the Reverse-Call Router: it lets host
// code (a guest's command() call, forwarded up from a worker) ask a
// connected socket client to run one of its named commands, correlating the
// round trip by a UUID with a 10s timeout.
package reversecall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/domain"
)

const callTimeout = 10 * time.Second

// Opcodes used by the socket transport frames this router produces/consumes.
const (
	OpcodeDispatch = 4004
)

// ClientSet is the minimal surface the socket transport exposes for
// broadcasting a DISPATCH frame to every connected client.
type ClientSet interface {
	Broadcast(opcode int, data any)
}

// pendingCall is the in-memory record for one outstanding reverse call.
type pendingCall struct {
	resolve chan map[string]any
}

// Router correlates outbound DISPATCH frames with the first reply sharing
// their id.
type Router struct {
	clients ClientSet

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New builds a Router broadcasting through clients.
func New(clients ClientSet) *Router {
	return &Router{clients: clients, pending: make(map[string]*pendingCall)}
}

// dispatchFrame is the JSON payload of an outbound DISPATCH frame.
type dispatchFrame struct {
	ID    string         `json:"id"`
	Code  string         `json:"code"`
	Msg   map[string]any `json:"msg"`
	Error string         `json:"error,omitempty"`
}

// Dispatch broadcasts a DISPATCH frame for command name, waits up to 10s for
// the first reply sharing its correlation id, and returns it.
func (r *Router) Dispatch(ctx context.Context, name, argsJoined string, callerMsg *domain.Msg) (map[string]any, error) {
	if r.clients == nil {
		return nil, errors.New("no socket client connected")
	}

	id := uuid.NewString()
	call := &pendingCall{resolve: make(chan map[string]any, 1)}
	r.mu.Lock()
	r.pending[id] = call
	r.mu.Unlock()
	defer r.clear(id)

	msgMap := mergeMsg(callerMsg, argsJoined)
	r.clients.Broadcast(OpcodeDispatch, dispatchFrame{ID: id, Code: name, Msg: msgMap})

	select {
	case reply := <-call.resolve:
		observability.RecordReverseCall("ok")
		return reply, nil
	case <-ctx.Done():
		observability.RecordReverseCall("cancelled")
		return nil, ctx.Err()
	case <-time.After(callTimeout):
		observability.RecordReverseCall("timeout")
		return nil, domain.ErrCommandTimeout
	}
}

func (r *Router) clear(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// HandleClientMessage implements §4.7: parse JSON; if it matches a pending
// reverse call by id, resolve it; else, if it carries a non-empty code, it
// is a new submission (handled by submit) and the caller should reply with
// its Response in a DISPATCH frame sharing the same id; otherwise the
// caller should send a MALFORMED frame.
func (r *Router) HandleClientMessage(raw []byte, submit func(id, code string, msg *domain.Msg) domain.Response) (handled bool, resp *domain.Response, malformed bool) {
	var incoming struct {
		ID   string          `json:"id"`
		Code string          `json:"code"`
		Msg  json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return false, nil, true
	}

	if incoming.ID != "" {
		r.mu.Lock()
		call, ok := r.pending[incoming.ID]
		r.mu.Unlock()
		if ok {
			var reply map[string]any
			_ = json.Unmarshal(raw, &reply)
			select {
			case call.resolve <- reply:
			default:
			}
			return true, nil, false
		}
	}

	if incoming.Code != "" {
		var msg *domain.Msg
		if len(incoming.Msg) > 0 {
			msg = &domain.Msg{}
			_ = json.Unmarshal(incoming.Msg, msg)
		}
		result := submit(incoming.ID, incoming.Code, msg)
		return true, &result, false
	}

	return false, nil, true
}

func mergeMsg(callerMsg *domain.Msg, argsJoined string) map[string]any {
	out := map[string]any{"text": argsJoined}
	if callerMsg == nil {
		return out
	}
	b, err := json.Marshal(callerMsg)
	if err != nil {
		return out
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return out
	}
	decoded["text"] = argsJoined
	return decoded
}
