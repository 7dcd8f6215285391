package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

// maxBodyBytes caps the request body at ~20 MiB per the external interface contract.
const maxBodyBytes = 20 << 20

// Submitter is the Submission Pipeline's HTTP-facing contract.
type Submitter interface {
	Submit(r *http.Request, sub domain.Submission) domain.Response
}

// submitFunc adapts a plain func to Submitter.
type submitFunc func(r *http.Request, sub domain.Submission) domain.Response

func (f submitFunc) Submit(r *http.Request, sub domain.Submission) domain.Response {
	return f(r, sub)
}

// Server hosts the POST /eval handler.
type Server struct {
	AuthToken string
	Submitter Submitter
}

// deniedBody is the canonical rejection body for an auth mismatch.
func deniedBody() domain.Response {
	return domain.Response{
		StatusCode: 418,
		Data:       []string{},
		DurationMS: 0,
		Errors:     []domain.ResponseError{{Message: "not today my little bish xqcL"}},
	}
}

type evalRequest struct {
	Code string     `json:"code"`
	Msg  *domain.Msg `json:"msg,omitempty"`
}

// Eval handles POST /eval.
func (s *Server) Eval() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !CheckToken(s.AuthToken, token) {
			writeJSON(w, 418, deniedBody())
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var body evalRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeEvalError(w, "", domain.ErrInvalidArgument)
			return
		}
		if body.Code == "" {
			writeEvalError(w, "", domain.ErrInvalidArgument)
			return
		}

		sub := domain.Submission{Code: body.Code, Msg: body.Msg}
		resp := s.Submitter.Submit(r, sub)
		writeJSON(w, resp.StatusCode, resp)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

