package internal

import (
	"context"
	"errors"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/packets"
)

const (
	timeoutReason   = "Connection timed out"
	readErrorReason = "Error reading packet"
)

// schedulable is the part of a Connection the scheduler drives.
type schedulable interface {
	Logger() *logrus.Entry
	IsAlive() bool
	TryAcquire() bool
	Release()
	PacketWaiting() bool
	HandleNext() error
	SinceLastPacket() time.Duration
	KeepAliveSent() bool
	Send(p packets.Packet) error
	Disconnect(reason string)
}

// scheduler hands connections with pending packets to a fixed pool of
// workers and enforces keep-alives. A connection is only ever handled by one
// worker at a time.
type scheduler struct {
	Name             string
	Logger           *logrus.Logger
	Workers          int
	DispatchPeriod   time.Duration
	KeepAliveSend    time.Duration
	KeepAliveTimeout time.Duration

	// Connections returns the current connection set; Remove drops a dead one.
	Connections func() []schedulable
	Remove      func(schedulable)
	// Tick, if set, is called at the end of every period.
	Tick func()

	work chan schedulable
}

// Run starts the workers and coordinates them until ctx is done. Workers
// finish the packet they are handling before Run returns.
func (s *scheduler) Run(ctx context.Context) {
	s.work = make(chan schedulable)

	var wg sync.WaitGroup
	for i := 0; i < s.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	ticker := time.NewTicker(s.DispatchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.dispatch()
			if s.Tick != nil {
				s.Tick()
			}
		}
	}
}

// dispatch makes a single pass over the connection set.
func (s *scheduler) dispatch() {
	for _, c := range s.Connections() {
		if !c.TryAcquire() {
			continue
		}
		if !c.IsAlive() {
			s.Remove(c)
			c.Release()
			continue
		}

		if c.PacketWaiting() {
			select {
			case s.work <- c:
				// The worker releases it.
			default:
				// Everyone is busy; try again next period.
				c.Release()
			}
			continue
		}
		s.checkLiveness(c)
		c.Release()
	}
}

func (s *scheduler) checkLiveness(c schedulable) {
	idle := c.SinceLastPacket()
	switch {
	case idle > s.KeepAliveTimeout:
		c.Logger().Infof("[%s] disconnecting idle client after %v", s.Name, idle.Round(time.Millisecond))
		c.Disconnect(timeoutReason)
	case idle > s.KeepAliveSend && !c.KeepAliveSent():
		if err := c.Send(&packets.KeepAlive{}); err != nil {
			c.Logger().Warnf("[%s] error sending keep-alive: %v", s.Name, err)
		}
	}
}

func (s *scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.work:
			s.handle(c)
		}
	}
}

// handle processes one packet, disconnecting the client if anything goes
// wrong including a panic in a handler.
func (s *scheduler) handle(c schedulable) {
	defer c.Release()
	defer func() {
		if err := recover(); err != nil {
			c.Logger().Errorf("[%s] error in client communication: error=%v, trace: %s", s.Name, err, debug.Stack())
			c.Disconnect(readErrorReason)
		}
	}()

	err := c.HandleNext()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, connection.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
		c.Logger().Debugf("[%s] connection closed: %v", s.Name, err)
		c.Disconnect(readErrorReason)
	default:
		c.Logger().Warnf("[%s] error handling packet: %v", s.Name, err)
		c.Disconnect(readErrorReason)
	}
}
