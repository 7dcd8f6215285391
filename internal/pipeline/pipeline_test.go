package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

type fakeDispatcher struct {
	result string
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, code string, msg *domain.Msg) (string, error) {
	return f.result, f.err
}

func TestSubmitRejectsEmptyCode(t *testing.T) {
	p := New(&fakeDispatcher{}, 10000)
	resp := p.Submit(context.Background(), domain.Submission{Code: ""})
	assert.Equal(t, 400, resp.StatusCode)
	require.Len(t, resp.Errors, 1)
}

func TestSubmitSuccessShapesResponse(t *testing.T) {
	p := New(&fakeDispatcher{result: "2"}, 10000)
	resp := p.Submit(context.Background(), domain.Submission{Code: "1+1"})
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"2"}, resp.Data)
	assert.GreaterOrEqual(t, resp.DurationMS, 0.0)
}

func TestSubmitTruncatesToMaxOutput(t *testing.T) {
	p := New(&fakeDispatcher{result: "0123456789"}, 5)
	resp := p.Submit(context.Background(), domain.Submission{Code: "x"})
	assert.Equal(t, []string{"01234"}, resp.Data)
}

func TestSubmitDispatchErrorSurfacesAs500(t *testing.T) {
	p := New(&fakeDispatcher{err: errors.New("boom")}, 10000)
	resp := p.Submit(context.Background(), domain.Submission{Code: "x"})
	assert.Equal(t, 500, resp.StatusCode)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "boom", resp.Errors[0].Message)
}
