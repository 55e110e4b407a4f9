package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testService struct {
	started chan struct{}
	err     error
}

func (s *testService) Run(ctx context.Context) error {
	close(s.started)
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func newTestService(err error) *testService {
	return &testService{started: make(chan struct{}), err: err}
}

func TestManagerRunWait(t *testing.T) {
	m := NewManager()
	s1, s2 := newTestService(nil), newTestService(nil)
	m.Register(s1, s2)

	ctx, cancel := context.WithCancel(context.Background())
	m.Run(ctx)
	<-s1.started
	<-s2.started
	cancel()
	require.NoError(t, m.Wait())
}

func TestManagerErrorStopsOthers(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	ok := newTestService(nil)
	m.Register(ok, newTestService(boom))
	m.Run(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Wait() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("services were not stopped")
	}
}

func TestManagerWaitWithoutRun(t *testing.T) {
	require.NoError(t, NewManager().Wait())
}
