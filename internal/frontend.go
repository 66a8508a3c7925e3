package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core"
	"github.com/dcrodman/tttworld/internal/core/connection"
)

const serverFullReason = "Server is full!"

// frontend implements the concurrent client connection logic.
//
// Connections are accepted on a TCP socket and handed to the Backend for set
// up. From then on a scheduler decides when each of them gets to process its
// next packet, so the Backend's handlers only ever run on a worker.
type frontend struct {
	Address string
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger

	mu          sync.Mutex
	connections map[schedulable]struct{}
	listener    net.Listener
}

// Start initializes the server backend and opens a TCP socket for the specified server.
// The accept loop and the scheduler are spun off in their own goroutines and
// added to the WaitGroup. Context cancellations will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}

	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}

	f.mu.Lock()
	f.connections = make(map[schedulable]struct{})
	f.listener = socket
	f.mu.Unlock()

	s := &scheduler{
		Name:             f.Backend.Identifier(),
		Logger:           f.Logger,
		Workers:          f.Config.Scheduler.Workers,
		DispatchPeriod:   f.Config.Scheduler.DispatchPeriod,
		KeepAliveSend:    f.Config.Scheduler.KeepAliveSend,
		KeepAliveTimeout: f.Config.Scheduler.KeepAliveTimeout,
		Connections:      f.snapshot,
		Remove:           f.remove,
		Tick:             f.Backend.Tick,
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// Addr is the address the frontend is listening on, which differs from
// Address when an ephemeral port was requested.
func (f *frontend) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// createSocket opens a TCP socket to listen for client connections on the Address
// provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop accepts connections until the context is cancelled.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Backend.Identifier(), socket.Addr())

	go func() {
		<-ctx.Done()
		_ = socket.Close()
	}()

	for {
		conn, err := socket.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			f.Logger.Warnf("[%s] failed to accept connection: %s", f.Backend.Identifier(), err.Error())
			continue
		}
		f.acceptClient(conn)
	}

	f.Logger.Infof("[%v] stopped accepting connections", f.Backend.Identifier())
}

// acceptClient wraps a new socket in a Connection and lets the Backend set it
// up before the scheduler can see it.
func (f *frontend) acceptClient(conn *net.TCPConn) {
	c := connection.New(conn, f.Logger)
	c.Debug = f.Config.Debugging.PacketLoggingEnabled

	if f.count() >= f.Config.MaxConnections {
		c.Logger().Warnf("[%s] rejected connection; limit of %d reached", f.Backend.Identifier(), f.Config.MaxConnections)
		c.Disconnect(serverFullReason)
		return
	}

	f.Backend.SetUpClient(c)

	f.mu.Lock()
	f.connections[c] = struct{}{}
	f.mu.Unlock()

	c.Logger().Infof("[%s] accepted connection", f.Backend.Identifier())
}

func (f *frontend) snapshot() []schedulable {
	f.mu.Lock()
	defer f.mu.Unlock()

	connections := make([]schedulable, 0, len(f.connections))
	for c := range f.connections {
		connections = append(connections, c)
	}
	return connections
}

func (f *frontend) remove(c schedulable) {
	f.mu.Lock()
	delete(f.connections, c)
	f.mu.Unlock()
	c.Logger().Infof("[%s] removed closed connection", f.Backend.Identifier())
}

func (f *frontend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}
