package consuming

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPubSubKeyLockSerializes(t *testing.T) {
	c := &GooglePubSubConsumer{keyLocks: map[string]*keyLock{}}

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := c.lockKey("order")
			defer unlock()
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxActive.Load())
	require.Empty(t, c.keyLocks)
}

func TestPubSubKeyLockIndependentKeys(t *testing.T) {
	c := &GooglePubSubConsumer{keyLocks: map[string]*keyLock{}}
	unlockA := c.lockKey("a")
	done := make(chan struct{})
	go func() {
		unlockB := c.lockKey("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "lock of another key blocked")
	}
	unlockA()
	require.Empty(t, c.keyLocks)
}
