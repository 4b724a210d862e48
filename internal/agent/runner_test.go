package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeCoordinator scripts register/heartbeat responses and records the calls.
type fakeCoordinator struct {
	mu           sync.Mutex
	registers    int
	heartbeats   int
	registerErr  error
	heartbeatErr error
}

func (f *fakeCoordinator) Register(_ context.Context, baseURL, name string, capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return f.registerErr
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeCoordinator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.heartbeats
}

func newTestRunner(client Coordinator) *Runner {
	return NewRunner(Config{
		BaseURL:           "http://agent-1:8081",
		Name:              "agent-1",
		Capacity:          2,
		HeartbeatInterval: time.Minute,
	}, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTickRegistersThenHeartbeats(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newTestRunner(coord)
	ctx := context.Background()

	r.tick(ctx)
	registers, heartbeats := coord.counts()
	assert.Equal(t, 1, registers)
	assert.Equal(t, 0, heartbeats, "first tick only registers")

	r.tick(ctx)
	r.tick(ctx)
	registers, heartbeats = coord.counts()
	assert.Equal(t, 1, registers)
	assert.Equal(t, 2, heartbeats)
}

func TestTickRetriesRegistration(t *testing.T) {
	coord := &fakeCoordinator{registerErr: errors.New("coordinator down")}
	r := newTestRunner(coord)
	ctx := context.Background()

	r.tick(ctx)
	r.tick(ctx)
	registers, heartbeats := coord.counts()
	assert.Equal(t, 2, registers, "failed registration retries on the next tick")
	assert.Equal(t, 0, heartbeats)

	coord.mu.Lock()
	coord.registerErr = nil
	coord.mu.Unlock()

	r.tick(ctx)
	r.tick(ctx)
	registers, heartbeats = coord.counts()
	assert.Equal(t, 3, registers)
	assert.Equal(t, 1, heartbeats)
}

func TestTickReregistersAfterLostHeartbeat(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newTestRunner(coord)
	ctx := context.Background()

	r.tick(ctx) // register

	coord.mu.Lock()
	coord.heartbeatErr = errors.New("404 worker not registered")
	coord.mu.Unlock()

	r.tick(ctx) // heartbeat fails, registration considered lost

	coord.mu.Lock()
	coord.heartbeatErr = nil
	coord.mu.Unlock()

	r.tick(ctx) // re-register

	registers, _ := coord.counts()
	assert.Equal(t, 2, registers, "a failed heartbeat forces re-registration")
}

func TestStartStopsOnCancel(t *testing.T) {
	coord := &fakeCoordinator{}
	r := newTestRunner(coord)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	// The immediate first tick registers before any ticker fires.
	assert.Eventually(t, func() bool {
		registers, _ := coord.counts()
		return registers == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}
