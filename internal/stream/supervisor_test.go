package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// fakeConn — соединение в памяти; ReadMessage блокируется до Close
// или до очередного входящего кадра.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	calls atomic.Int32
	err   error
}

func (d *fakeDialer) DialContext(ctx context.Context, _ string) (Conn, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return newFakeConn(), nil
}

// sessionFunc адаптирует функцию к Session.
type sessionFunc func(ctx context.Context, conn Conn, ready func()) error

func (f sessionFunc) Serve(ctx context.Context, conn Conn, ready func()) error {
	return f(ctx, conn, ready)
}

// blockingSession держит соединение до отмены.
var blockingSession = sessionFunc(func(ctx context.Context, _ Conn, ready func()) error {
	ready()
	<-ctx.Done()
	return ctx.Err()
})

func testConfig(minB, maxB time.Duration) Config {
	return Config{
		URL:        "ws://kis.test",
		MinBackoff: minB,
		MaxBackoff: maxB,
		Multiplier: 2,
		Jitter:     0,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, d Dialer, s Session) (*Supervisor, chan time.Duration) {
	t.Helper()
	sup, err := NewSupervisor(cfg, d, s, logger.NewNop())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	delays := make(chan time.Duration, 64)
	sup.onSchedule = func(d time.Duration) {
		select {
		case delays <- d:
		default:
		}
	}
	t.Cleanup(func() {
		sup.Stop()
		sup.Wait()
	})
	return sup, delays
}

func nextDelay(t *testing.T, ch <-chan time.Duration) time.Duration {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect scheduled")
		return 0
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s; want %s", s.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSupervisor_BackoffBoundedAndMonotone(t *testing.T) {
	minB, maxB := 5*time.Millisecond, 20*time.Millisecond
	d := &fakeDialer{err: errors.New("refused")}
	sup, delays := newTestSupervisor(t, testConfig(minB, maxB), d, blockingSession)

	sup.Start()
	var prev time.Duration
	for i := 0; i < 5; i++ {
		got := nextDelay(t, delays)
		if got < minB || got > maxB {
			t.Fatalf("delay[%d] = %s; want within [%s, %s]", i, got, minB, maxB)
		}
		if got < prev {
			t.Fatalf("delay[%d] = %s < previous %s", i, got, prev)
		}
		prev = got
	}
	if prev != maxB {
		t.Errorf("delay must saturate at max, got %s", prev)
	}
}

func TestSupervisor_BackoffMonotoneWithJitter(t *testing.T) {
	minB, maxB := time.Millisecond, 8*time.Millisecond
	cfg := testConfig(minB, maxB)
	cfg.Jitter = DefaultJitter
	d := &fakeDialer{err: errors.New("refused")}
	sup, delays := newTestSupervisor(t, cfg, d, blockingSession)

	sup.Start()
	var prev time.Duration
	for i := 0; i < 30; i++ {
		got := nextDelay(t, delays)
		if got < minB || got > maxB {
			t.Fatalf("delay[%d] = %s; want within [%s, %s]", i, got, minB, maxB)
		}
		if got < prev {
			t.Fatalf("delay[%d] = %s < previous %s (jitter %.1f)", i, got, prev, cfg.Jitter)
		}
		prev = got
	}
	if prev != maxB {
		t.Errorf("delay must hold at max once reached, got %s", prev)
	}
}

func TestSupervisor_StopCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	sup, delays := newTestSupervisor(t, testConfig(100*time.Millisecond, time.Second), d, blockingSession)

	sup.Start()
	nextDelay(t, delays)
	sup.Stop()
	time.Sleep(200 * time.Millisecond)

	if n := d.calls.Load(); n != 1 {
		t.Fatalf("dial calls = %d; want 1 (reconnect must not fire after Stop)", n)
	}
	if sup.State() != Stopped {
		t.Fatalf("state = %s; want stopped", sup.State())
	}

	// STOPPED — конечное состояние
	sup.Start()
	sup.Stop()
	if sup.State() != Stopped || d.calls.Load() != 1 {
		t.Fatal("Start after Stop must be a no-op")
	}
}

func TestSupervisor_StartIsNoopWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	sup, _ := newTestSupervisor(t, testConfig(time.Millisecond, 10*time.Millisecond), d, blockingSession)

	sup.Start()
	waitState(t, sup, Connected)
	sup.Start()
	sup.Start()
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("dial calls = %d; want 1", n)
	}

	sup.Stop()
	sup.Wait()
	if sup.State() != Stopped {
		t.Fatalf("state = %s", sup.State())
	}
}

func TestSupervisor_ReconnectsAfterDropWithResetBackoff(t *testing.T) {
	minB := 2 * time.Millisecond
	d := &fakeDialer{}
	var served atomic.Int32
	drop := sessionFunc(func(ctx context.Context, _ Conn, ready func()) error {
		served.Add(1)
		ready()
		return errors.New("server closed")
	})
	sup, delays := newTestSupervisor(t, testConfig(minB, time.Second), d, drop)

	sup.Start()
	for i := 0; i < 3; i++ {
		if got := nextDelay(t, delays); got != minB {
			t.Fatalf("delay[%d] = %s; want %s after successful subscribe", i, got, minB)
		}
	}
	if served.Load() < 3 {
		t.Fatalf("served = %d; want >= 3", served.Load())
	}
}

func TestSupervisor_StopClosesActiveSession(t *testing.T) {
	d := &fakeDialer{}
	done := make(chan error, 1)
	session := sessionFunc(func(ctx context.Context, conn Conn, ready func()) error {
		ready()
		_, _, err := conn.ReadMessage() // разблокируется закрытием
		done <- err
		return err
	})
	sup, delays := newTestSupervisor(t, testConfig(time.Millisecond, 10*time.Millisecond), d, session)

	sup.Start()
	waitState(t, sup, Connected)
	sup.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("read must fail after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session not interrupted by Stop")
	}
	sup.Wait()
	select {
	case d := <-delays:
		t.Fatalf("reconnect scheduled after Stop: %s", d)
	default:
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{URL: "ws://x"}, false},
		{"no url", Config{}, true},
		{"max < min", Config{URL: "ws://x", MinBackoff: time.Minute, MaxBackoff: time.Second}, true},
		{"jitter", Config{URL: "ws://x", Jitter: 1.5}, true},
		{"too many subscriptions", Config{URL: "ws://x", TopN: 21}, true},
		{"single feed allows more", Config{URL: "ws://x", TopN: 40, Feeds: []string{"H0UNCNT0"}}, false},
		{"unknown feed", Config{URL: "ws://x", Feeds: []string{"H0STCNT0"}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.cfg
			cfg.ApplyDefaults()
			if err := cfg.Validate(); (err != nil) != c.wantErr {
				t.Errorf("Validate() = %v; wantErr %v", err, c.wantErr)
			}
		})
	}
}
