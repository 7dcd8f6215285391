package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/Potat-Industries/eval-server/internal/adapter/httpserver"
	"github.com/Potat-Industries/eval-server/internal/config"
	"github.com/Potat-Industries/eval-server/internal/domain"
	"github.com/Potat-Industries/eval-server/internal/wsserver"
)

type stubSubmitFunc func(r *http.Request, sub domain.Submission) domain.Response

func (f stubSubmitFunc) Submit(r *http.Request, sub domain.Submission) domain.Response {
	return f(r, sub)
}

func TestBuildRouterServesEvalAndMetrics(t *testing.T) {
	cfg := config.Config{Port: 8080, Auth: "secret"}
	evalSrv := &httpserver.Server{
		AuthToken: "secret",
		Submitter: stubSubmitFunc(func(r *http.Request, sub domain.Submission) domain.Response {
			return domain.Response{StatusCode: 200, Data: []string{"2"}}
		}),
	}
	wsSrv := wsserver.New("secret", nil, nil)

	handler := BuildRouter(cfg, evalSrv, wsSrv)

	body, _ := json.Marshal(map[string]any{"code": "1+1"})
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	assert.Equal(t, 200, w2.Code)

	req3 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	require.Equal(t, 200, w3.Code)
}
