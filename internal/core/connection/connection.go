// Package connection implements a single TTTWorld protocol session: framing,
// encryption and compression of packets, routing of received packets to
// registered handlers, and the orderly teardown of the session.
package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core/codec"
	"github.com/dcrodman/tttworld/internal/core/debug"
	"github.com/dcrodman/tttworld/internal/packets"
)

const (
	// MaxClockDeviation is how far a packet's timestamp may be from the local
	// clock before the packet is rejected.
	MaxClockDeviation = 5 * time.Minute
	// Frames read off the socket that have not yet been decoded.
	inboundQueueSize = 32
	readBufferSize   = 4096
	writeTimeout     = 10 * time.Second
)

var (
	// ErrProtocol wraps every error caused by the peer violating the protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrClosed is returned when receiving on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	Open State = iota
	// Disconnecting is held while disconnect listeners run.
	Disconnecting
	Closed
)

// DisconnectListener is notified once when a connection is torn down.
// fromRemote is true when the peer sent the Disconnect.
type DisconnectListener func(fromRemote bool, reason string)

// ListenerID identifies a registered DisconnectListener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn DisconnectListener
}

// Connection wraps a socket speaking the TTTWorld protocol.
//
// Received bytes are assembled into frames by a reader goroutine, but frames are
// only decoded and dispatched when the owner calls HandleNext (or Run), so there
// is never more than one decode in flight.
type Connection struct {
	// Debug enables dumping every packet sent and received to stdout.
	Debug bool

	conn   net.Conn
	addr   string
	logger *logrus.Entry
	now    func() time.Time

	// Guards writes to the socket. Acquired before mu when both are needed.
	sendMu sync.Mutex

	mu            sync.Mutex
	key           []byte
	threshold     int
	handlers      map[packets.Type]*handlerEntry
	listeners     []listener
	nextID        uint64
	lastPacket    time.Time
	keepAliveSent bool
	readErr       error

	state    atomic.Int32
	handling atomic.Bool

	frames chan []byte
	done   chan struct{}
}

// New wraps conn and starts reading from it. Compression is disabled until
// SetCompressionThreshold is called.
func New(conn net.Conn, logger *logrus.Logger) *Connection {
	c := &Connection{
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		now:       time.Now,
		threshold: -1,
		handlers:  make(map[packets.Type]*handlerEntry),
		frames:    make(chan []byte, inboundQueueSize),
		done:      make(chan struct{}),
	}
	c.logger = logger.WithField("remote", c.addr)
	c.lastPacket = c.now()

	SetDefault(c, func(p *packets.Disconnect) error {
		c.logger.Infof("remote end disconnected: %s", p.Reason)
		c.teardown(true, p.Reason)
		return nil
	})

	go c.readLoop()
	return c
}

// Address of the remote end of the connection.
func (c *Connection) Address() string { return c.addr }

func (c *Connection) Logger() *logrus.Entry { return c.logger }

func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsAlive reports whether the connection has not begun tearing down.
func (c *Connection) IsAlive() bool {
	return c.State() == Open
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// SetEncryptionKey enables encryption of all subsequent packets in both
// directions. A nil key disables it.
func (c *Connection) SetEncryptionKey(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

func (c *Connection) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key != nil
}

// SetCompressionThreshold sets the payload size at which outgoing packets are
// compressed. A negative threshold disables compression.
func (c *Connection) SetCompressionThreshold(threshold int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
}

// SinceLastPacket is the time elapsed since a packet was last received.
func (c *Connection) SinceLastPacket() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastPacket)
}

// KeepAliveSent reports whether a KeepAlive has been sent since the last
// packet was received.
func (c *Connection) KeepAliveSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAliveSent
}

// TryAcquire marks the connection as being handled, returning false if it
// already is. Used by schedulers to guarantee a single reader.
func (c *Connection) TryAcquire() bool {
	return c.handling.CompareAndSwap(false, true)
}

// Release clears the mark set by TryAcquire.
func (c *Connection) Release() {
	c.handling.Store(false)
}

func (c *Connection) Handling() bool {
	return c.handling.Load()
}

// AddDisconnectListener registers fn to be called when the connection is torn down.
func (c *Connection) AddDisconnectListener(fn DisconnectListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := ListenerID(c.nextID)
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	return id
}

func (c *Connection) RemoveDisconnectListener(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Send encodes and writes a packet. Sending on a closed connection is a no-op.
func (c *Connection) Send(p packets.Packet) error {
	if c.State() == Closed {
		return nil
	}

	payload, err := packets.Encode(p, c.now())
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	key, threshold := c.key, c.threshold
	c.mu.Unlock()

	frame, err := codec.Encode(payload, threshold, key)
	if err != nil {
		return err
	}

	if c.Debug {
		c.printPacket(true, p)
	}

	_ = c.conn.SetWriteDeadline(c.now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send %v to %s: %w", p.Type(), c.addr, err)
	}

	if p.Type() == packets.KeepAliveType {
		c.mu.Lock()
		c.keepAliveSent = true
		c.mu.Unlock()
	}
	return nil
}

// PacketWaiting reports whether a call to HandleNext would make progress:
// either a complete frame has been received or the socket has failed.
func (c *Connection) PacketWaiting() bool {
	if len(c.frames) > 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr != nil
}

// ReceiveNext decodes the next received frame, returning nil if no complete
// frame is available yet.
func (c *Connection) ReceiveNext() (packets.Packet, error) {
	select {
	case body, ok := <-c.frames:
		if !ok {
			return nil, c.readError()
		}
		return c.decode(body)
	default:
		return nil, nil
	}
}

// Next blocks until a packet is received, the connection fails, or ctx is done.
func (c *Connection) Next(ctx context.Context) (packets.Packet, error) {
	select {
	case body, ok := <-c.frames:
		if !ok {
			return nil, c.readError()
		}
		return c.decode(body)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleNext receives and dispatches at most one packet.
func (c *Connection) HandleNext() error {
	p, err := c.ReceiveNext()
	if err != nil {
		return err
	}
	return c.Dispatch(p)
}

// Run receives and dispatches packets until the connection fails or ctx is done.
func (c *Connection) Run(ctx context.Context) error {
	for {
		p, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if err := c.Dispatch(p); err != nil {
			return err
		}
	}
}

func (c *Connection) decode(body []byte) (packets.Packet, error) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	payload, err := codec.Unwrap(body, key)
	if err != nil {
		return nil, fmt.Errorf("error reading frame from %s: %w", c.addr, err)
	}

	p, err := packets.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	now := c.now()
	c.mu.Lock()
	c.lastPacket = now
	c.keepAliveSent = false
	c.mu.Unlock()

	if c.Debug {
		c.printPacket(false, p)
	}

	if deviation := now.Sub(p.Time()); deviation > MaxClockDeviation || deviation < -MaxClockDeviation {
		return nil, fmt.Errorf("%w: bad timestamp on %v (off by %v), check your system clock", ErrProtocol, p.Type(), deviation)
	}
	return p, nil
}

func (c *Connection) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr == nil || errors.Is(c.readErr, io.EOF) || c.State() == Closed {
		return ErrClosed
	}
	return c.readErr
}

// readLoop moves bytes from the socket into the frame queue until the socket
// fails or the connection is closed.
func (c *Connection) readLoop() {
	defer close(c.frames)

	assembler := codec.NewAssembler(codec.MaxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		data := buf[:n]

		for len(data) > 0 {
			consumed, body, ferr := assembler.Feed(data)
			data = data[consumed:]
			if ferr != nil {
				c.setReadErr(fmt.Errorf("%w: %v", ErrProtocol, ferr))
				return
			}
			if body == nil {
				continue
			}

			select {
			case c.frames <- body:
			case <-c.done:
				return
			}
		}

		if err != nil {
			c.setReadErr(err)
			return
		}
	}
}

func (c *Connection) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// Disconnect tears down the connection, notifying the peer with reason. Only
// the first call has any effect.
func (c *Connection) Disconnect(reason string) {
	c.teardown(false, reason)
}

func (c *Connection) teardown(fromRemote bool, reason string) {
	if !c.state.CompareAndSwap(int32(Open), int32(Disconnecting)) {
		return
	}

	c.mu.Lock()
	snapshot := make([]listener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.Unlock()

	for _, l := range snapshot {
		l.fn(fromRemote, reason)
	}

	if !fromRemote {
		if err := c.Send(&packets.Disconnect{Reason: reason}); err != nil {
			c.logger.Debugf("unable to send disconnect: %v", err)
		}
	}

	c.state.Store(int32(Closed))
	close(c.done)
	if err := c.conn.Close(); err != nil {
		c.logger.Debugf("error closing socket: %v", err)
	}
}

func (c *Connection) printPacket(outbound bool, p packets.Packet) {
	debug.PrintPacket(debug.PrintPacketParams{
		Writer:   bufio.NewWriter(os.Stdout),
		Address:  c.addr,
		Outbound: outbound,
		Packet:   p,
	})
}
