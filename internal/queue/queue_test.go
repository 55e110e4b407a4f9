package queue

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Add([]byte(strconv.Itoa(i))))
	}
	require.Equal(t, 100, q.Len())
	for i := 0; i < 100; i++ {
		item, ok := q.Remove()
		require.True(t, ok)
		require.Equal(t, strconv.Itoa(i), string(item))
	}
	_, ok := q.Remove()
	require.False(t, ok)
	require.Equal(t, 0, q.Size())
}

func TestQueueLimits(t *testing.T) {
	q := New(10, 0)
	require.NoError(t, q.Add([]byte("12345")))
	require.NoError(t, q.Add([]byte("12345")))
	require.ErrorIs(t, q.Add([]byte("1")), ErrFull)
	require.Equal(t, 10, q.Size())

	q = New(0, 2)
	require.NoError(t, q.Add([]byte("a")))
	require.NoError(t, q.Add([]byte("b")))
	require.ErrorIs(t, q.Add([]byte("c")), ErrFull)
	_, _ = q.Remove()
	require.NoError(t, q.Add([]byte("c")))
}

func TestQueueClose(t *testing.T) {
	q := New(0, 0)
	require.NoError(t, q.Add([]byte("a")))
	q.Close()
	require.True(t, q.Closed())
	require.ErrorIs(t, q.Add([]byte("b")), ErrClosed)
	_, ok := q.Wait()
	require.False(t, ok)
	require.Equal(t, 0, q.Len())
}

func TestQueueCloseRemaining(t *testing.T) {
	q := New(0, 0)
	require.NoError(t, q.Add([]byte("a")))
	require.NoError(t, q.Add([]byte("b")))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, q.CloseRemaining())
	require.Nil(t, q.CloseRemaining())
}

func TestQueueWait(t *testing.T) {
	q := New(0, 0)
	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		got, _ = q.Wait()
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Add([]byte("x")))
	wg.Wait()
	require.Equal(t, "x", string(got))

	done := make(chan struct{})
	go func() {
		_, ok := q.Wait()
		require.False(t, ok)
		close(done)
	}()
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait not released on close")
	}
}
