package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_DeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	d := NewDispatcher(Topic{Name: "messages"}, func(ev ChangeEvent) {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
	}, 2, nil)
	defer d.Close()

	want := []string{"1", "2", "3", "4", "5"}
	for _, id := range want {
		assert.True(t, d.Push(ChangeEvent{ID: id}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestDispatcher_Close(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	var (
		mu        sync.Mutex
		delivered int
	)
	closedHook := make(chan struct{})
	d := NewDispatcher(Topic{Name: "messages"}, func(ev ChangeEvent) {
		entered <- struct{}{}
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
	}, 8, func() { close(closedHook) })

	d.Push(ChangeEvent{ID: "1"})
	d.Push(ChangeEvent{ID: "2"})
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close() returned while the handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(block)
	<-closed

	mu.Lock()
	assert.Equal(t, 1, delivered, "no event may be delivered after Close")
	mu.Unlock()
	assert.NoError(t, d.Err())
	assert.False(t, d.Push(ChangeEvent{ID: "3"}))
	<-closedHook
}

func TestDispatcher_Drop(t *testing.T) {
	d := NewDispatcher(Topic{Name: "messages"}, func(ChangeEvent) {}, 0, nil)
	assert.NoError(t, d.Err())

	d.Drop(errors.New("connection reset"))
	<-d.Done()

	assert.True(t, errors.Is(d.Err(), ErrDropped))
	_ = d.Close()
	assert.True(t, errors.Is(d.Err(), ErrDropped), "Close after Drop keeps the drop error")
}
