package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Potat-Industries/eval-server/internal/capability"
	"github.com/Potat-Industries/eval-server/internal/domain"
	"github.com/Potat-Industries/eval-server/internal/fetchguard"
	"github.com/Potat-Industries/eval-server/internal/kvstore"
	"github.com/Potat-Industries/eval-server/internal/sandbox"
)

// ChildDeps are the collaborators a Worker Process needs inside its own OS
// process: its own Redis connection and its own fetch concurrency gate,
// since both caps are documented as process-scoped.
type ChildDeps struct {
	Store     kvstore.Store
	Fetch     *fetchguard.Client
	Kernel    *sandbox.Kernel
}

// remoteCommander forwards a guest's command() call to the parent process
// over the child's frame pipe and blocks for the matching command_result.
type remoteCommander struct {
	mu      sync.Mutex
	pending map[string]chan frame
	send    func(frame)
}

func newRemoteCommander(send func(frame)) *remoteCommander {
	return &remoteCommander{pending: make(map[string]chan frame), send: send}
}

func (r *remoteCommander) Command(ctx context.Context, name string, argsJoined string, msg *domain.Msg) (map[string]any, error) {
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	corrID := newCorrID()
	ch := make(chan frame, 1)
	r.mu.Lock()
	r.pending[corrID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, corrID)
		r.mu.Unlock()
	}()

	r.send(frame{Kind: kindCommand, CorrID: corrID, Name: name, Args: argsJoined, Msg: msgJSON})

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(reply.Result), &result); err != nil {
			return nil, err
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, domain.ErrCommandTimeout
	}
}

func (r *remoteCommander) deliver(f frame) {
	r.mu.Lock()
	ch, ok := r.pending[f.CorrID]
	r.mu.Unlock()
	if ok {
		ch <- f
	}
}

var corrSeq int64

func newCorrID() string {
	corrSeq++
	return fmt.Sprintf("c-%d-%d", os.Getpid(), corrSeq)
}

// RunChild is the Worker Process entrypoint: it reads eval frames from
// stdin, runs them through the Sandbox Kernel one at a time (evaluations
// within a single worker are serialised), and writes result frames to
// stdout. It runs until stdin closes.
func RunChild(deps ChildDeps) error {
	enc := json.NewEncoder(os.Stdout)
	dec := json.NewDecoder(os.Stdin)
	var encMu sync.Mutex
	send := func(f frame) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(f)
	}

	commander := newRemoteCommander(send)

	// A single goroutine drains evalQueue so that evaluations inside this
	// worker run strictly one at a time, regardless of how many eval frames
	// the Supervisor has in flight. The decode loop below only ever enqueues;
	// it keeps reading stdin concurrently with that goroutine so a
	// command_result frame for an in-progress evaluation's command() call
	// still reaches remoteCommander without waiting on the queue.
	evalQueue := make(chan frame, 256)
	defer close(evalQueue)
	go func() {
		for f := range evalQueue {
			handleEval(f, deps, commander, send)
		}
	}()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode frame: %w", err)
		}

		switch f.Kind {
		case kindEval:
			evalQueue <- f
		case kindCommandResult:
			commander.deliver(f)
		default:
			slog.Warn("worker child: unknown frame kind", slog.String("kind", f.Kind))
		}
	}
}

func handleEval(f frame, deps ChildDeps, commander *remoteCommander, send func(frame)) {
	var msg *domain.Msg
	if len(f.Msg) > 0 {
		msg = &domain.Msg{}
		_ = json.Unmarshal(f.Msg, msg)
	}

	bridge := &capability.Bridge{
		Store:     deps.Store,
		Fetch:     deps.Fetch,
		Commander: commander,
		Msg:       msg,
		PotatCtx:  domain.NewPotatContext(msg),
	}

	ctx, cancel := context.WithTimeout(context.Background(), deps.Kernel.VMTimeout+2*time.Second)
	defer cancel()

	result, err := deps.Kernel.Evaluate(ctx, f.Code, msg, bridge)
	if err != nil {
		send(frame{Kind: kindResult, ID: f.ID, Error: err.Error()})
		return
	}
	send(frame{Kind: kindResult, ID: f.ID, Result: result})
}
