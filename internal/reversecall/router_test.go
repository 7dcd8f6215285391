package reversecall

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

type recordingClients struct {
	lastOpcode int
	lastData   any
}

func (c *recordingClients) Broadcast(opcode int, data any) {
	c.lastOpcode = opcode
	c.lastData = data
}

func TestDispatchResolvesOnMatchingReply(t *testing.T) {
	clients := &recordingClients{}
	router := New(clients)

	done := make(chan map[string]any, 1)
	go func() {
		result, err := router.Dispatch(context.Background(), "ping", "", nil)
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the broadcast to land, then extract its id and simulate a reply.
	var frame dispatchFrame
	for i := 0; i < 100 && clients.lastData == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, clients.lastData)
	frame = clients.lastData.(dispatchFrame)
	require.NotEmpty(t, frame.ID)

	reply, err := json.Marshal(map[string]any{"id": frame.ID, "pong": true})
	require.NoError(t, err)
	handled, resp, malformed := router.HandleClientMessage(reply, nil)
	assert.True(t, handled)
	assert.Nil(t, resp)
	assert.False(t, malformed)

	select {
	case result := <-done:
		assert.Equal(t, true, result["pong"])
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resolve")
	}
}

func TestHandleClientMessageTreatsCodeAsSubmission(t *testing.T) {
	router := New(&recordingClients{})
	called := false
	submit := func(id, code string, msg *domain.Msg) domain.Response {
		called = true
		assert.Equal(t, "1+1", code)
		return domain.Response{StatusCode: 200, Data: []string{"2"}}
	}

	raw, _ := json.Marshal(map[string]any{"id": "u1", "code": "1+1"})
	handled, resp, malformed := router.HandleClientMessage(raw, submit)
	assert.True(t, handled)
	assert.False(t, malformed)
	require.NotNil(t, resp)
	assert.True(t, called)
	assert.Equal(t, []string{"2"}, resp.Data)
}

func TestHandleClientMessageMalformedWithoutIDOrCode(t *testing.T) {
	router := New(&recordingClients{})
	raw, _ := json.Marshal(map[string]any{})
	handled, resp, malformed := router.HandleClientMessage(raw, nil)
	assert.False(t, handled)
	assert.Nil(t, resp)
	assert.True(t, malformed)
}
