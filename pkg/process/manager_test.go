package process

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSignals replaces the os/signal hooks with a channel the test drives
type fakeSignals struct {
	mu     sync.Mutex
	ch     chan<- os.Signal
	exited chan int
}

func newTestManager() (*Manager, *fakeSignals) {
	fake := &fakeSignals{exited: make(chan int, 1)}
	m := NewManager(nil)
	m.notify = func(c chan<- os.Signal, _ ...os.Signal) {
		fake.mu.Lock()
		fake.ch = c
		fake.mu.Unlock()
	}
	m.stop = func(chan<- os.Signal) {}
	m.exit = func(code int) { fake.exited <- code }
	return m, fake
}

func (f *fakeSignals) send(sig os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch <- sig
}

func TestManager_FirstSignalCancels(t *testing.T) {
	m, fake := newTestManager()

	var order []int
	m.RegisterShutdownHandler(func() { order = append(order, 1) })
	m.RegisterShutdownHandler(func() { order = append(order, 2) })

	ctx := m.Start(context.Background())
	require.True(t, m.IsRunning())

	fake.send(os.Interrupt)
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled")
	}

	fake.send(os.Interrupt)
	select {
	case code := <-fake.exited:
		assert.Equal(t, ExitCodeInterrupted, code)
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not exit")
	}

	m.Stop()
	assert.Equal(t, []int{2, 1}, order)
	assert.False(t, m.IsRunning())
}

func TestManager_StopWithoutSignal(t *testing.T) {
	m, _ := newTestManager()
	called := false
	m.RegisterShutdownHandler(func() { called = true })

	ctx := m.Start(context.Background())
	assert.Equal(t, ctx, m.Start(ctx))

	m.Stop()
	m.Stop()

	assert.Error(t, ctx.Err())
	assert.False(t, called)
}
