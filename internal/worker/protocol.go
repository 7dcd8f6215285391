// Package worker implements the Worker Process, Worker Supervisor, and
// Worker Pool: child-process lifecycle, health detection via
// request/response gap, restart, and least-loaded dispatch.
package worker

import "encoding/json"

// frame is the single envelope shape multiplexed over a Supervisor<->child
// pipe pair. Two conversations share the wire: eval/result (keyed by ID, the
// Supervisor's request counter) and command/command_result (keyed by CorrID,
// a reverse-call round trip the child initiates mid-evaluation so it can
// forward a guest's `command(...)` call up to the Reverse-Call Router that
// only the parent process has access to).
type frame struct {
	Kind string `json:"kind"`

	ID   int64           `json:"id,omitempty"`
	Code string          `json:"code,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CorrID string `json:"corrId,omitempty"`
	Name   string `json:"name,omitempty"`
	Args   string `json:"args,omitempty"`
}

const (
	kindEval          = "eval"
	kindResult        = "result"
	kindCommand       = "command"
	kindCommandResult = "command_result"
)
