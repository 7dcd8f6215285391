// Package pipeline implements the Submission Pipeline: admission
// validation, enqueue to the Worker Pool, and response shaping.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/domain"
)

// Dispatcher is the Worker Pool's submission-facing contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, code string, msg *domain.Msg) (string, error)
}

// Pipeline validates and routes submissions, shaping the Response envelope.
type Pipeline struct {
	Pool      Dispatcher
	MaxOutput int
}

// New builds a Pipeline over pool with the given truncation length.
func New(pool Dispatcher, maxOutput int) *Pipeline {
	return &Pipeline{Pool: pool, MaxOutput: maxOutput}
}

// Submit validates, dispatches, and shapes a Response for one submission.
func (p *Pipeline) Submit(ctx context.Context, sub domain.Submission) domain.Response {
	start := time.Now()

	if err := validate(sub); err != nil {
		resp := domain.NewErrorResponse(400, sub.CorrelationID, err.Error())
		resp.DurationMS = elapsedMS(start)
		observability.RecordSubmission("invalid", time.Since(start))
		return resp
	}

	result, err := p.Pool.Dispatch(ctx, sub.Code, sub.Msg)
	if err != nil {
		status := 500
		resp := domain.NewErrorResponse(status, sub.CorrelationID, err.Error())
		resp.DurationMS = elapsedMS(start)
		observability.RecordSubmission("error", time.Since(start))
		return resp
	}

	data := result
	if p.MaxOutput > 0 && len(data) > p.MaxOutput {
		data = data[:p.MaxOutput]
	}

	observability.RecordSubmission("ok", time.Since(start))
	return domain.Response{
		StatusCode: 200,
		Data:       []string{data},
		DurationMS: elapsedMS(start),
		Errors:     []domain.ResponseError{},
		ID:         sub.CorrelationID,
	}
}

func elapsedMS(start time.Time) float64 {
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	return roundTo4(ms)
}

func roundTo4(v float64) float64 {
	const factor = 10000
	return float64(int64(v*factor+0.5)) / factor
}

func validate(sub domain.Submission) error {
	if sub.Code == "" {
		return fmt.Errorf("%w: code must be a non-empty string", domain.ErrInvalidArgument)
	}
	return nil
}
