package internal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/packets"
)

// fakeConn is a schedulable that counts down a fixed number of packets.
type fakeConn struct {
	logger *logrus.Entry

	mu               sync.Mutex
	alive            bool
	pending          int
	handled          int
	idle             time.Duration
	keepAliveSent    bool
	sent             []packets.Packet
	disconnectReason string

	handling atomic.Bool
	// Optional behaviour of HandleNext, run after the packet is consumed.
	onHandle func() error
}

func newFakeConn(pending int) *fakeConn {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &fakeConn{logger: logrus.NewEntry(logger), alive: true, pending: pending}
}

func (c *fakeConn) Logger() *logrus.Entry { return c.logger }
func (c *fakeConn) TryAcquire() bool      { return c.handling.CompareAndSwap(false, true) }
func (c *fakeConn) Release()              { c.handling.Store(false) }

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) PacketWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

func (c *fakeConn) HandleNext() error {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
		c.handled++
		c.idle = 0
		c.keepAliveSent = false
	}
	onHandle := c.onHandle
	c.mu.Unlock()

	if onHandle != nil {
		return onHandle()
	}
	return nil
}

func (c *fakeConn) SinceLastPacket() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func (c *fakeConn) KeepAliveSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAliveSent
}

func (c *fakeConn) Send(p packets.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	if p.Type() == packets.KeepAliveType {
		c.keepAliveSent = true
	}
	return nil
}

func (c *fakeConn) Disconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		c.alive = false
		c.disconnectReason = reason
	}
}

func (c *fakeConn) state() (handled int, reason string, sent []packets.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handled, c.disconnectReason, append([]packets.Packet(nil), c.sent...)
}

// connSet is a minimal version of the frontend's connection set.
type connSet struct {
	mu    sync.Mutex
	conns map[schedulable]struct{}
}

func newConnSet(conns ...*fakeConn) *connSet {
	s := &connSet{conns: make(map[schedulable]struct{})}
	for _, c := range conns {
		s.conns[c] = struct{}{}
	}
	return s
}

func (s *connSet) snapshot() []schedulable {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedulable
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *connSet) remove(c schedulable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *connSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func newTestScheduler(set *connSet, workers int) *scheduler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &scheduler{
		Name:             "TEST",
		Logger:           logger,
		Workers:          workers,
		DispatchPeriod:   time.Millisecond,
		KeepAliveSend:    20 * time.Second,
		KeepAliveTimeout: 30 * time.Second,
		Connections:      set.snapshot,
		Remove:           set.remove,
		work:             make(chan schedulable),
	}
}

func TestScheduler_Liveness(t *testing.T) {
	tests := map[string]struct {
		idle          time.Duration
		keepAliveSent bool
		pending       int
		wantKeepAlive bool
		wantReason    string
	}{
		"active":                  {idle: time.Second},
		"idle":                    {idle: 21 * time.Second, wantKeepAlive: true},
		"keep-alive already sent": {idle: 25 * time.Second, keepAliveSent: true},
		"timed out":               {idle: 31 * time.Second, keepAliveSent: true, wantReason: timeoutReason},
		"packet waiting":          {idle: 31 * time.Second, pending: 1},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := newFakeConn(tt.pending)
			c.idle, c.keepAliveSent = tt.idle, tt.keepAliveSent
			s := newTestScheduler(newConnSet(c), 0)

			s.dispatch()

			_, reason, sent := c.state()
			if gotKeepAlive := len(sent) == 1 && sent[0].Type() == packets.KeepAliveType; gotKeepAlive != tt.wantKeepAlive {
				t.Errorf("expected keep-alive = %v, sent %v", tt.wantKeepAlive, sent)
			}
			if reason != tt.wantReason {
				t.Errorf("expected disconnect reason %q, got %q", tt.wantReason, reason)
			}
			if c.handling.Load() {
				t.Errorf("expected the connection to be released")
			}
		})
	}
}

func TestScheduler_RemovesDeadConnections(t *testing.T) {
	alive, dead := newFakeConn(0), newFakeConn(1)
	dead.Disconnect("gone")
	set := newConnSet(alive, dead)

	newTestScheduler(set, 0).dispatch()

	if set.len() != 1 {
		t.Fatalf("expected 1 connection to remain, got %d", set.len())
	}
	if _, ok := set.conns[alive]; !ok {
		t.Errorf("expected the live connection to remain")
	}
}

func TestScheduler_RemovesDeadConnectionsOnceReleased(t *testing.T) {
	c := newFakeConn(0)
	c.TryAcquire()
	c.Disconnect("gone")
	set := newConnSet(c)
	s := newTestScheduler(set, 0)

	s.dispatch()
	if set.len() != 1 {
		t.Fatalf("expected a connection still being handled to remain in the set")
	}

	c.Release()
	s.dispatch()
	if set.len() != 0 {
		t.Errorf("expected the released connection to be removed")
	}
	if c.handling.Load() {
		t.Errorf("expected the removed connection to be released")
	}
}

func TestScheduler_SkipsConnectionsBeingHandled(t *testing.T) {
	c := newFakeConn(0)
	c.idle = time.Minute
	c.TryAcquire()

	newTestScheduler(newConnSet(c), 0).dispatch()

	if _, reason, _ := c.state(); reason != "" {
		t.Errorf("expected a connection being handled to be left alone, got %q", reason)
	}
}

func TestScheduler_BoundedWorkers(t *testing.T) {
	const workers = 2

	var (
		active, maxActive atomic.Int32
		perConn           sync.Map
		overlap           atomic.Bool
	)
	var conns []*fakeConn
	for i := 0; i < 5; i++ {
		c := newFakeConn(3)
		c.onHandle = func() error {
			if _, loaded := perConn.LoadOrStore(c, true); loaded {
				overlap.Store(true)
			}
			n := active.Add(1)
			for {
				prev := maxActive.Load()
				if n <= prev || maxActive.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			perConn.Delete(c)
			return nil
		}
		conns = append(conns, c)
	}

	var ticks atomic.Int32
	s := newTestScheduler(newConnSet(conns...), workers)
	s.Tick = func() { ticks.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		total := 0
		for _, c := range conns {
			handled, _, _ := c.state()
			total += handled
		}
		if total == 15 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d of 15 packets handled", total)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if n := maxActive.Load(); n > workers {
		t.Errorf("expected at most %d concurrent handlers, saw %d", workers, n)
	}
	if overlap.Load() {
		t.Errorf("expected no connection to be handled by two workers at once")
	}
	if ticks.Load() == 0 {
		t.Errorf("expected Tick to be called")
	}
}

func TestScheduler_HandlerFailures(t *testing.T) {
	tests := map[string]func() error{
		"error":  func() error { return errors.New("bad packet") },
		"eof":    func() error { return io.EOF },
		"panics": func() error { panic("handler bug") },
	}
	for name, onHandle := range tests {
		t.Run(name, func(t *testing.T) {
			c := newFakeConn(1)
			c.onHandle = onHandle
			s := newTestScheduler(newConnSet(c), 1)

			c.TryAcquire()
			s.handle(c)

			if _, reason, _ := c.state(); reason != readErrorReason {
				t.Errorf("expected disconnect reason %q, got %q", readErrorReason, reason)
			}
			if c.handling.Load() {
				t.Errorf("expected the connection to be released")
			}
		})
	}
}
