package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettaflow/mediaspider/internal/model"
)

func queued(priority int, query string) *model.WorkItem {
	return model.NewWorkItem(model.PlatformWeibo, query, model.KindSearch, priority)
}

func TestWorkQueue_PriorityThenFIFO(t *testing.T) {
	q := newWorkQueue()
	q.Push(queued(0, "low-first"))
	q.Push(queued(5, "high-first"))
	q.Push(queued(5, "high-second"))
	q.Push(queued(0, "low-second"))

	var order []string
	for i := 0; i < 4; i++ {
		item, err := q.Pop(context.Background())
		require.NoError(t, err)
		order = append(order, item.Query)
	}
	assert.Equal(t, []string{"high-first", "high-second", "low-first", "low-second"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestWorkQueue_PopBlocksUntilPush(t *testing.T) {
	q := newWorkQueue()

	got := make(chan *model.WorkItem, 1)
	go func() {
		item, err := q.Pop(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(queued(1, "late"))

	select {
	case item := <-got:
		assert.Equal(t, "late", item.Query)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestWorkQueue_PopCancellable(t *testing.T) {
	q := newWorkQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe cancellation")
	}
}

func TestWorkQueue_SignalReachesAllWaiters(t *testing.T) {
	q := newWorkQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *model.WorkItem, 2)
	for i := 0; i < 2; i++ {
		go func() {
			item, err := q.Pop(ctx)
			if err == nil {
				got <- item
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Push(queued(0, "a"))
	q.Push(queued(0, "b"))

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("a waiter starved")
		}
	}
}
