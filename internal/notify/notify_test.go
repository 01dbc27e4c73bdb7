package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal redisClient fake: Ping always succeeds, and
// Pipeline hands back a fakePipeliner whose Exec counts the call, runs
// execFn if set, and returns execErr (nil unless a test sets it). This is
// enough to drive Publisher without a live server.
type fakeRedis struct {
	mu        sync.Mutex
	execCalls int
	execErr   error
	execFn    func(cmds []redis.Cmder)
	closed    bool
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Pipeline() redis.Pipeliner {
	return &fakePipeliner{f: f}
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

// fakePipeliner records HSet/Publish calls and reports execErr on Exec,
// avoiding a dependency on a running Redis instance or an external mock
// library not present in the reference pack.
type fakePipeliner struct {
	redis.Pipeliner
	f    *fakeRedis
	cmds []redis.Cmder
}

func (p *fakePipeliner) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.cmds = append(p.cmds, cmd)
	return cmd
}

func (p *fakePipeliner) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	p.cmds = append(p.cmds, cmd)
	return cmd
}

func (p *fakePipeliner) Exec(ctx context.Context) ([]redis.Cmder, error) {
	p.f.mu.Lock()
	p.f.execCalls++
	p.f.mu.Unlock()
	if p.f.execFn != nil {
		p.f.execFn(p.cmds)
	}
	return p.cmds, p.f.execErr
}

func newTestPublisher(t *testing.T, fr *fakeRedis) *Publisher {
	t.Helper()
	p, err := newWithClient(context.Background(), fr, "ota-status", 4)
	if err != nil {
		t.Fatalf("newWithClient: %v", err)
	}
	return p
}

func waitForExecCalls(t *testing.T, fr *fakeRedis, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fr.mu.Lock()
		got := fr.execCalls
		fr.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d exec calls", n)
}

func TestNotifyProgressPublishesNonBlocking(t *testing.T) {
	fr := &fakeRedis{}
	p := newTestPublisher(t, fr)
	defer p.Close()

	p.NotifyProgress(512, 1024, 50)
	waitForExecCalls(t, fr, 1)
}

func TestNotifyOutcomeSuccessAndFailure(t *testing.T) {
	fr := &fakeRedis{}
	p := newTestPublisher(t, fr)
	defer p.Close()

	p.NotifyOutcome(true, "")
	p.NotifyOutcome(false, "timeout")
	waitForExecCalls(t, fr, 2)
}

func TestNotifyPublishSurvivesExecError(t *testing.T) {
	fr := &fakeRedis{execErr: errors.New("connection reset")}
	p := newTestPublisher(t, fr)
	defer p.Close()

	// Should not panic or block despite every Exec failing.
	p.NotifyProgress(0, 100, 0)
	waitForExecCalls(t, fr, 1)
}

func TestNotifyCloseStopsWorker(t *testing.T) {
	fr := &fakeRedis{}
	p := newTestPublisher(t, fr)
	p.NotifyProgress(1, 2, 3)
	waitForExecCalls(t, fr, 1)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fr.closed {
		t.Fatal("expected underlying client to be closed")
	}
}

func TestNewRejectsFailedPing(t *testing.T) {
	_, err := newWithClient(context.Background(), &failingPing{}, "ota-status", 1)
	if err == nil {
		t.Fatal("expected error when ping fails")
	}
}

type failingPing struct{ fakeRedis }

func (f *failingPing) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetErr(errors.New("no route to host"))
	return cmd
}
