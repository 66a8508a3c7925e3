package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/packets"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestListener(t *testing.T) (*net.TCPListener, *net.TCPAddr) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr)
}

// newTestPair returns two Connections joined over a loopback socket.
func newTestPair(t *testing.T) (*Connection, *Connection) {
	listener, addr := newTestListener(t)

	clientConn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("error initializing test connection: %v", err)
	}
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}

	server, client := New(serverConn, testLogger()), New(clientConn, testLogger())
	t.Cleanup(func() {
		server.Disconnect("test over")
		client.Disconnect("test over")
	})
	return server, client
}

func receive(t *testing.T, c *Connection) packets.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next() returned an unexpected error: %v", err)
	}
	return p
}

// handleNext waits for a packet to arrive and then dispatches it.
func handleNext(t *testing.T, c *Connection) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.PacketWaiting() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a packet")
		}
		time.Sleep(time.Millisecond)
	}
	return c.HandleNext()
}

func TestConnection_SendReceive(t *testing.T) {
	key := []byte("0123456789abcdef")
	tests := map[string]struct {
		threshold int
		key       []byte
	}{
		"plain":                {threshold: -1},
		"compressed":           {threshold: 0},
		"encrypted":            {threshold: -1, key: key},
		"compressed+encrypted": {threshold: 0, key: key},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			server, client := newTestPair(t)
			client.SetCompressionThreshold(tt.threshold)
			client.SetEncryptionKey(tt.key)
			server.SetEncryptionKey(tt.key)

			sent := &packets.GameMove{Header: packets.Stamp(time.Now()), ID: uuid.New(), X: 1, Y: 2}
			if err := client.Send(sent); err != nil {
				t.Fatalf("Send() returned an unexpected error: %v", err)
			}

			if diff := deep.Equal(sent, receive(t, server)); diff != nil {
				t.Errorf("received packet did not match: %v", diff)
			}
		})
	}
}

func TestConnection_ReceiveNextWithoutData(t *testing.T) {
	server, _ := newTestPair(t)

	p, err := server.ReceiveNext()
	if p != nil || err != nil {
		t.Errorf("expected (nil, nil) with no data, got (%v, %v)", p, err)
	}
	if server.PacketWaiting() {
		t.Errorf("expected no packet to be waiting")
	}
}

func TestConnection_ClockDeviation(t *testing.T) {
	tests := map[string]struct {
		offset  time.Duration
		wantErr bool
	}{
		"current":          {offset: 0},
		"slightly behind":  {offset: -4 * time.Minute},
		"slightly ahead":   {offset: 4 * time.Minute},
		"too far behind":   {offset: -6 * time.Minute, wantErr: true},
		"too far ahead":    {offset: 6 * time.Minute, wantErr: true},
		"just past window": {offset: -(MaxClockDeviation + time.Second), wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			server, client := newTestPair(t)
			_ = client.Send(&packets.GlobalChat{Header: packets.Stamp(time.Now().Add(tt.offset)), Message: "hi"})

			var received bool
			SetDefault(server, func(p *packets.GlobalChat) error {
				received = true
				return nil
			})

			err := handleNext(t, server)
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("expected a protocol error, got %v", err)
				}
				if received {
					t.Errorf("expected the packet not to be dispatched")
				}
			} else if err != nil || !received {
				t.Errorf("expected the packet to be dispatched, got err = %v", err)
			}
		})
	}
}

func TestConnection_DispatchPrecedence(t *testing.T) {
	server, _ := newTestPair(t)
	wanted := uuid.New()

	var defaultCalls, filteredCalls int
	SetDefault(server, func(p *packets.GameMove) error {
		defaultCalls++
		return nil
	})
	AddFiltered(server,
		func(p *packets.GameMove) bool { return p.ID == wanted },
		func(p *packets.GameMove) error {
			filteredCalls++
			return nil
		},
	)

	if err := server.Dispatch(&packets.GameMove{ID: wanted}); err != nil {
		t.Fatalf("Dispatch() returned an unexpected error: %v", err)
	}
	if filteredCalls != 1 || defaultCalls != 0 {
		t.Errorf("accepted packet: expected only the filtered handler, got filtered = %d, default = %d", filteredCalls, defaultCalls)
	}

	if err := server.Dispatch(&packets.GameMove{ID: uuid.New()}); err != nil {
		t.Fatalf("Dispatch() returned an unexpected error: %v", err)
	}
	if filteredCalls != 1 || defaultCalls != 1 {
		t.Errorf("rejected packet: expected only the default handler, got filtered = %d, default = %d", filteredCalls, defaultCalls)
	}
}

func TestConnection_DispatchFilteredOnly(t *testing.T) {
	server, _ := newTestPair(t)
	wanted := uuid.New()

	id := AddFiltered(server,
		func(p *packets.ChallengeResponse) bool { return p.ID == wanted },
		func(p *packets.ChallengeResponse) error { return nil },
	)

	if err := server.Dispatch(&packets.ChallengeResponse{ID: wanted}); err != nil {
		t.Errorf("expected accepted packet to be handled, got %v", err)
	}
	if err := server.Dispatch(&packets.ChallengeResponse{ID: uuid.New()}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected a protocol error for an unmatched packet, got %v", err)
	}

	RemoveFiltered[*packets.ChallengeResponse](server, id)
	if server.HasHandler(packets.ChallengeResponseType) {
		t.Errorf("expected the empty handler entry to be pruned")
	}
	if err := server.Dispatch(&packets.ChallengeResponse{ID: wanted}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected a protocol error after removal, got %v", err)
	}
}

func TestConnection_DefaultHandlerLifecycle(t *testing.T) {
	server, _ := newTestPair(t)

	if err := server.Dispatch(&packets.GlobalChat{}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected a protocol error without a handler, got %v", err)
	}
	if err := server.Dispatch(&packets.KeepAlive{}); err != nil {
		t.Errorf("expected keep-alives without a handler to be ignored, got %v", err)
	}

	handlerErr := errors.New("handler failed")
	SetDefault(server, func(p *packets.GlobalChat) error { return handlerErr })
	if err := server.Dispatch(&packets.GlobalChat{}); !errors.Is(err, handlerErr) {
		t.Errorf("expected the handler's error, got %v", err)
	}

	ClearDefault[*packets.GlobalChat](server)
	if server.HasHandler(packets.GlobalChatType) {
		t.Errorf("expected the empty handler entry to be pruned")
	}
}

func TestConnection_HandlerCanReplaceItself(t *testing.T) {
	server, _ := newTestPair(t)

	var second bool
	SetDefault(server, func(p *packets.Authenticate) error {
		ClearDefault[*packets.Authenticate](server)
		SetDefault(server, func(p *packets.GlobalChat) error {
			second = true
			return nil
		})
		return nil
	})

	if err := server.Dispatch(&packets.Authenticate{}); err != nil {
		t.Fatalf("Dispatch() returned an unexpected error: %v", err)
	}
	if err := server.Dispatch(&packets.Authenticate{}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected the first handler to be gone, got %v", err)
	}
	if err := server.Dispatch(&packets.GlobalChat{}); err != nil || !second {
		t.Errorf("expected the second handler to run, got err = %v", err)
	}
}

func TestConnection_ConcurrentDisconnect(t *testing.T) {
	server, _ := newTestPair(t)

	var first, second int32
	server.AddDisconnectListener(func(fromRemote bool, reason string) { atomic.AddInt32(&first, 1) })
	server.AddDisconnectListener(func(fromRemote bool, reason string) { atomic.AddInt32(&second, 1) })

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			server.Disconnect("bye")
		}()
	}
	close(start)
	wg.Wait()

	<-server.Done()
	if first != 1 || second != 1 {
		t.Errorf("expected each listener to run exactly once, got %d and %d", first, second)
	}
	if server.IsAlive() || server.State() != Closed {
		t.Errorf("expected the connection to be closed, got state %v", server.State())
	}
}

func TestConnection_ListenerSnapshot(t *testing.T) {
	server, _ := newTestPair(t)

	var calls []string
	var secondID ListenerID
	server.AddDisconnectListener(func(bool, string) {
		calls = append(calls, "first")
		// Mutations during notification apply to the live set only.
		server.RemoveDisconnectListener(secondID)
		server.AddDisconnectListener(func(bool, string) { calls = append(calls, "late") })
	})
	secondID = server.AddDisconnectListener(func(bool, string) { calls = append(calls, "second") })
	removed := server.AddDisconnectListener(func(bool, string) { calls = append(calls, "removed") })
	server.RemoveDisconnectListener(removed)

	server.Disconnect("bye")

	if diff := deep.Equal([]string{"first", "second"}, calls); diff != nil {
		t.Errorf("unexpected listener calls: %v", diff)
	}
}

func TestConnection_RemoteDisconnect(t *testing.T) {
	server, client := newTestPair(t)

	type notification struct {
		fromRemote bool
		reason     string
	}
	var got []notification
	server.AddDisconnectListener(func(fromRemote bool, reason string) {
		got = append(got, notification{fromRemote, reason})
	})

	client.Disconnect("Goodbye!")
	if err := handleNext(t, server); err != nil {
		t.Fatalf("HandleNext() returned an unexpected error: %v", err)
	}

	if diff := deep.Equal([]notification{{fromRemote: true, reason: "Goodbye!"}}, got); diff != nil {
		t.Errorf("unexpected notifications: %v", diff)
	}
	if server.IsAlive() {
		t.Errorf("expected the connection to be closed after a remote disconnect")
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	server, _ := newTestPair(t)
	server.Disconnect("bye")

	if err := server.Send(&packets.GlobalChat{Message: "anyone?"}); err != nil {
		t.Errorf("expected sending on a closed connection to be a no-op, got %v", err)
	}
	// Repeated disconnects are no-ops as well.
	server.Disconnect("again")
}

func TestConnection_PeerClosedSocket(t *testing.T) {
	server, client := newTestPair(t)
	client.conn.Close()

	err := handleNext(t, server)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConnection_KeepAliveTracking(t *testing.T) {
	server, client := newTestPair(t)

	clock := time.Now()
	server.mu.Lock()
	server.now = func() time.Time { return clock }
	server.lastPacket = clock
	server.mu.Unlock()

	clock = clock.Add(25 * time.Second)
	if got := server.SinceLastPacket(); got != 25*time.Second {
		t.Errorf("expected 25s since the last packet, got %v", got)
	}

	if err := server.Send(&packets.KeepAlive{}); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	if !server.KeepAliveSent() {
		t.Errorf("expected keep-alive to be recorded as sent")
	}

	// The server's clock is frozen, so stamp the reply with it.
	_ = client.Send(&packets.KeepAlive{Header: packets.Stamp(clock)})
	if err := handleNext(t, server); err != nil {
		t.Fatalf("HandleNext() returned an unexpected error: %v", err)
	}
	if server.KeepAliveSent() {
		t.Errorf("expected receiving a packet to clear the keep-alive flag")
	}
	if got := server.SinceLastPacket(); got != 0 {
		t.Errorf("expected receiving a packet to reset the idle time, got %v", got)
	}
}

func TestConnection_Acquire(t *testing.T) {
	server, _ := newTestPair(t)

	if !server.TryAcquire() {
		t.Fatalf("expected the first TryAcquire() to succeed")
	}
	if server.TryAcquire() {
		t.Errorf("expected a second TryAcquire() to fail")
	}
	server.Release()
	if !server.TryAcquire() {
		t.Errorf("expected TryAcquire() to succeed after Release()")
	}
}

func TestConnection_OversizedFrame(t *testing.T) {
	server, client := newTestPair(t)
	// Length prefix far beyond the maximum frame size.
	if _, err := client.conn.Write([]byte{0x7f, 0xff, 0xff, 0xff, 'j'}); err != nil {
		t.Fatal(err)
	}

	err := handleNext(t, server)
	if !errors.Is(err, ErrProtocol) || !strings.Contains(err.Error(), "frame") {
		t.Errorf("expected a frame protocol error, got %v", err)
	}
}
