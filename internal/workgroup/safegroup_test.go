package workgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSafeGroup_RecoversPanic(t *testing.T) {
	g := New(nil)
	var ran atomic.Int32

	g.Go(func() error {
		panic("boom")
	})
	g.Go(func() error {
		ran.Add(1)
		return nil
	})

	err := g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goroutine panic: boom")
	assert.Equal(t, int32(1), ran.Load())
}

func TestSafeGroup_WithContextCancelsSiblings(t *testing.T) {
	g, ctx := WithContext(context.Background(), nil)
	sentinel := errors.New("first")

	g.Go(func() error { return sentinel })
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, g.Wait(), sentinel)
}

func TestSafeGroup_Limit(t *testing.T) {
	g := New(nil)
	g.SetLimit(2)

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		if i == 1 {
			close(release)
		}
	}

	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
