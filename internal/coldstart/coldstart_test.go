package coldstart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tako-run/tako/internal/apps"
)

func TestWakeDedupesConcurrentCallers(t *testing.T) {
	m := New(10)
	app := &apps.App{Name: "web"}

	var calls int32
	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &apps.Instance{ID: "i1"}, nil
	}

	results := make(chan *apps.Instance, 5)
	for i := 0; i < 5; i++ {
		go func() {
			inst, err := m.Wake(context.Background(), app, spawn)
			require.NoError(t, err)
			results <- inst
		}()
	}

	for i := 0; i < 5; i++ {
		inst := <-results
		require.Equal(t, "i1", inst.ID)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWakeQueueFull(t *testing.T) {
	m := New(1)
	app := &apps.App{Name: "web"}

	block := make(chan struct{})
	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		<-block
		return &apps.Instance{ID: "i1"}, nil
	}

	go func() { _, _ = m.Wake(context.Background(), app, spawn) }()
	time.Sleep(10 * time.Millisecond) // let the leader admit and start spawning

	_, err := m.Wake(context.Background(), app, spawn)
	require.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestWakeContextTimeout(t *testing.T) {
	m := New(5)
	app := &apps.App{Name: "web"}

	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Wake(ctx, app, spawn)
	require.ErrorIs(t, err, ErrTimeout)
}
