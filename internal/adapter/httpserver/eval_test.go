package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

func newRequest(t *testing.T, body any, token string) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(b))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestEvalRejectsBadToken(t *testing.T) {
	srv := &Server{AuthToken: "secret", Submitter: submitFunc(func(r *http.Request, sub domain.Submission) domain.Response {
		t.Fatal("should not reach submitter on auth failure")
		return domain.Response{}
	})}
	req := newRequest(t, map[string]any{"code": "1+1"}, "wrong")
	w := httptest.NewRecorder()
	srv.Eval()(w, req)
	assert.Equal(t, 418, w.Code)

	var resp domain.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not today my little bish xqcL", resp.Errors[0].Message)
}

func TestEvalRejectsEmptyCode(t *testing.T) {
	srv := &Server{AuthToken: "secret", Submitter: submitFunc(func(r *http.Request, sub domain.Submission) domain.Response {
		t.Fatal("should not reach submitter on invalid body")
		return domain.Response{}
	})}
	req := newRequest(t, map[string]any{"code": ""}, "secretXXXXX")
	w := httptest.NewRecorder()
	srv.Eval()(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestEvalSuccessDelegatesToSubmitter(t *testing.T) {
	srv := &Server{AuthToken: "secret", Submitter: submitFunc(func(r *http.Request, sub domain.Submission) domain.Response {
		assert.Equal(t, "1+1", sub.Code)
		return domain.Response{StatusCode: 200, Data: []string{"2"}}
	})}
	req := newRequest(t, map[string]any{"code": "1+1"}, "secretXXXXX")
	w := httptest.NewRecorder()
	srv.Eval()(w, req)
	assert.Equal(t, 200, w.Code)
}
