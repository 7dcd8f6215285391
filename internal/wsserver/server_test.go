package wsserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

type stubSubmitter struct {
	resp domain.Response
}

func (s stubSubmitter) Submit(ctx context.Context, sub domain.Submission) domain.Response {
	return s.resp
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/socket?auth=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestHandlerRejectsBadAuthWithUnauthorizedClose(t *testing.T) {
	srv := New("secret", stubSubmitter{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts.URL, "wrong")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, int(OpUnauthorized), closeErr.Code)
}

func TestHandlerDispatchesSubmission(t *testing.T) {
	srv := New("secret", stubSubmitter{resp: domain.Response{StatusCode: 200, Data: []string{"2"}}}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts.URL, "secret")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "u1", "code": "1+1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, OpDispatch, frame.Opcode)
}

func TestHandlerSendsMalformedWithoutCode(t *testing.T) {
	srv := New("secret", stubSubmitter{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts.URL, "secret")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"id": "u1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, OpMalformedData, frame.Opcode)
}
