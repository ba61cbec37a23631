package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efgs-sync/internal/platform/periodic"
)

var (
	_ periodic.Task = (*ExportTask)(nil)
	_ periodic.Task = (*ImportTask)(nil)
	_ periodic.Task = (*SweepTask)(nil)
)

type stubEngine struct {
	runs, retries, sweeps int
	runErr, retryErr      error
	sweepErr              error
	swept                 int
}

func (s *stubEngine) Run(context.Context) error {
	s.runs++
	return s.runErr
}

func (s *stubEngine) RetryAll(context.Context) error {
	s.retries++
	return s.retryErr
}

func (s *stubEngine) Sweep(context.Context) (int, error) {
	s.sweeps++
	return s.swept, s.sweepErr
}

func TestExportAndImportDelegate(t *testing.T) {
	boom := errors.New("gateway down")
	out := &stubEngine{runErr: boom}
	in := &stubEngine{}

	assert.ErrorIs(t, NewExportTask(out).Run(context.Background()), boom)
	assert.NoError(t, NewImportTask(in).Run(context.Background()))
	assert.Equal(t, 1, out.runs)
	assert.Equal(t, 1, in.runs)
	assert.Zero(t, in.retries)
}

func TestSweepRunsEveryStep(t *testing.T) {
	out := &stubEngine{sweepErr: errors.New("db down")}
	in := &stubEngine{swept: 2, retryErr: errors.New("retry failed")}

	err := NewSweepTask(out, in, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, err.Error(), "retry failed")
	assert.Equal(t, 1, out.sweeps)
	assert.Equal(t, 1, in.sweeps)
	assert.Equal(t, 1, in.retries)
	assert.Zero(t, out.runs)
}

func TestSweepSkipsDisabledDirection(t *testing.T) {
	in := &stubEngine{}
	require.NoError(t, NewSweepTask(nil, in, nil).Run(context.Background()))
	assert.Equal(t, 1, in.sweeps)
	assert.Equal(t, 1, in.retries)
}
