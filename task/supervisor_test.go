package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpawnTracksAndUntracksTasks(t *testing.T) {
	s := NewSupervisor()
	release := make(chan struct{})
	started := make(chan struct{})

	s.Spawn(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	})

	<-started
	assert.Equal(t, 1, s.Len())

	close(release)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
}

func TestDrainWaitsForTasksToFinish(t *testing.T) {
	s := NewSupervisor()
	finished := false

	s.Spawn(context.Background(), func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		finished = true
	})

	deadline, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Drain(deadline)

	assert.True(t, finished)
	assert.Equal(t, 0, s.Len())
}

func TestDrainCancelsStragglersPastDeadline(t *testing.T) {
	s := NewSupervisor()
	canceled := make(chan struct{})

	s.Spawn(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	})

	deadline, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s.Drain(deadline)

	select {
	case <-canceled:
	default:
		t.Fatal("straggler task was never canceled")
	}
	assert.Equal(t, 0, s.Len())
}
