package imaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_FinishReleasesContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(WriteToDevice, testDevice(), "/boot.iso", cancel)

	job.finish(StatusSucceeded, nil)

	require.ErrorIs(t, ctx.Err(), context.Canceled,
		"a finished job must not keep its context alive")
	assert.Equal(t, StatusSucceeded, job.Status())

	select {
	case <-job.Done():
	default:
		t.Fatal("Done channel still open after finish")
	}
}
