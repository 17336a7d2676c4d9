package otc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryDeliverBeforeWait(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	rs := ResultSet{{int64(1)}}
	r.deliver(3, rs)

	v, err := r.wait(context.Background(), 3)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := v.(ResultSet); &got[0] != &rs[0] {
		t.Error("result set not shared by reference")
	}
}

func TestRegistryWaitBeforeDeliver(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.deliver(1, int64(99))
	}()
	v, err := r.wait(context.Background(), 1)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != int64(99) {
		t.Errorf("wait = %v, want 99", v)
	}
}

func TestRegistryStringIsServerError(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.deliver(1, "syntax error")
	_, err := r.wait(context.Background(), 1)
	var se *ServerError
	if !errors.As(err, &se) || se.Message != "syntax error" {
		t.Fatalf("wait err = %v, want ServerError(syntax error)", err)
	}
}

func TestRegistryFanout(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	const waiters = 8
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(ticket int64) {
			defer wg.Done()
			_, err := r.wait(context.Background(), ticket)
			errs <- err
		}(int64(i + 1))
	}
	time.Sleep(20 * time.Millisecond)
	r.fail("connection reset by peer")
	wg.Wait()
	close(errs)
	for err := range errs {
		var cl *ConnectionLostError
		if !errors.As(err, &cl) || cl.Reason != "connection reset by peer" {
			t.Fatalf("waiter err = %v, want ConnectionLostError", err)
		}
	}
}

func TestRegistryTimeoutLeavesTicketThenTrims(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.wait(ctx, 2); !errors.Is(err, ErrTimeout) {
		t.Fatalf("wait err = %v, want ErrTimeout", err)
	}

	// The late response lands in the store and nobody claims it.
	r.deliver(2, ResultSet{{int64(2)}})
	if r.store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", r.store.Len())
	}

	// A newer request completes normally, then the trim at quiescence
	// drops the stale entry.
	r.deliver(3, ResultSet{{int64(3)}})
	if _, err := r.wait(context.Background(), 3); err != nil {
		t.Fatalf("wait(3): %v", err)
	}
	r.trimIfQuiescent(true)
	if r.store.Len() != 0 {
		t.Errorf("store len after trim = %d, want 0", r.store.Len())
	}
}

func TestRegistryTrimOnlyWhenIdle(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.deliver(5, int64(5))
	r.highest = 10
	r.trimIfQuiescent(false) // callbacks outstanding: no trim
	if r.store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", r.store.Len())
	}
	r.trimIfQuiescent(true)
	if r.store.Len() != 0 {
		t.Fatalf("store len = %d, want 0", r.store.Len())
	}
}

func TestRegistryCanceledContext(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait err = %v, want context.Canceled", err)
	}
}

// newBareClient builds a client without dialing for white box routing tests.
func newBareClient() *Client {
	cl := &Client{
		cfg:       defaultCfg(),
		callbacks: make(map[int64]Callback),
		prepared:  make(map[string]int64),
		reg:       newRegistry(),
	}
	cl.cfg.host, cl.cfg.port = "test", 1116
	cl.loggerv.Store(loggerBox{cl.cfg.logger})
	return cl
}

func TestNotifyCallbackRows(t *testing.T) {
	t.Parallel()

	cl := newBareClient()
	var got ResultSet
	var gotErr error
	cl.callbacks[7] = func(rs ResultSet, err error) { got, gotErr = rs, err }

	rs := ResultSet{{int64(1)}}
	cl.notify(7, rs)
	if gotErr != nil || len(got) != 1 {
		t.Fatalf("callback got (%v, %v)", got, gotErr)
	}
	if _, ok := cl.callbacks[7]; ok {
		t.Error("callback still registered after delivery")
	}
	if cl.reg.store.Len() != 0 {
		t.Error("callback response leaked into the store")
	}
}

func TestNotifyCallbackServerError(t *testing.T) {
	t.Parallel()

	cl := newBareClient()
	var gotErr error
	cl.callbacks[7] = func(rs ResultSet, err error) { gotErr = err }
	cl.notify(7, "bad sql")
	var se *ServerError
	if !errors.As(gotErr, &se) || se.Message != "bad sql" {
		t.Fatalf("callback err = %v, want ServerError(bad sql)", gotErr)
	}
}

// A scalar success reply on a callback ticket is dropped. Callbacks are only
// registered for run commands, which never answer with a bare scalar; if a
// new command breaks that assumption this test is the tripwire.
func TestNotifyCallbackScalarDropped(t *testing.T) {
	t.Parallel()

	cl := newBareClient()
	invoked := false
	cl.callbacks[7] = func(ResultSet, error) { invoked = true }
	cl.notify(7, int64(5))
	if invoked {
		t.Error("callback invoked for a scalar success reply")
	}
	if _, ok := cl.callbacks[7]; ok {
		t.Error("callback still registered")
	}
	if cl.reg.store.Len() != 0 {
		t.Error("scalar leaked into the store")
	}
}

func TestNotifyTimedOutCallbackDropsLateResponse(t *testing.T) {
	t.Parallel()

	cl := newBareClient()
	cl.callbacks[7] = nil // the timed out marker
	cl.notify(7, ResultSet{{int64(1)}})
	if _, ok := cl.callbacks[7]; ok {
		t.Error("timed out marker still registered")
	}
	if cl.reg.store.Len() != 0 {
		t.Error("late response leaked into the store")
	}
}
