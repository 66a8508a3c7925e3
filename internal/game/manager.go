package game

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/packets"
)

// challengeGrace is added to the advertised timeout so that a response sent
// just before the client's countdown ends is still honored.
const challengeGrace = time.Second

// Participant is a logged in player that can send or receive challenges.
type Participant struct {
	Conn *connection.Connection
	Info packets.PlayerInfo
}

// Challenge is a pending invitation from Sender to Receiver.
type Challenge struct {
	ID       uuid.UUID
	Expires  time.Time
	Sender   Participant
	Receiver Participant

	// Guarded by the Manager's mutex.
	stopped          bool
	senderListener   connection.ListenerID
	receiverListener connection.ListenerID
	responseHandler  connection.HandlerID
}

// Manager owns every pending challenge and running game. Its lock is always
// taken before any game's lock.
type Manager struct {
	Logger *logrus.Logger

	timeout time.Duration
	now     func() time.Time

	mu         sync.Mutex
	challenges map[uuid.UUID]*Challenge
	games      map[uuid.UUID]*Game
}

func NewManager(logger *logrus.Logger, challengeTimeout time.Duration) *Manager {
	return &Manager{
		Logger:     logger,
		timeout:    challengeTimeout,
		now:        time.Now,
		challenges: make(map[uuid.UUID]*Challenge),
		games:      make(map[uuid.UUID]*Game),
	}
}

// SendChallenge offers a game to receiver. The receiver's ChallengeResponse is
// routed back by challenge id through a handler on its own connection.
func (m *Manager) SendChallenge(sender, receiver Participant) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Challenge{
		ID:       uuid.New(),
		Expires:  m.now().Add(m.timeout + challengeGrace),
		Sender:   sender,
		Receiver: receiver,
	}
	err := receiver.Conn.Send(&packets.Challenge{
		ID:      c.ID,
		Sender:  sender.Info,
		Timeout: m.timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("error sending challenge: %w", err)
	}

	cancel := func(bool, string) { m.cancel(c) }
	c.senderListener = sender.Conn.AddDisconnectListener(cancel)
	c.receiverListener = receiver.Conn.AddDisconnectListener(cancel)
	c.responseHandler = connection.AddFiltered(receiver.Conn,
		func(p *packets.ChallengeResponse) bool { return p.ID == c.ID },
		func(p *packets.ChallengeResponse) error {
			if p.Response == packets.Accept {
				_, err := m.Accept(c.ID, receiver.Conn)
				return err
			}
			m.Reject(c.ID, receiver.Conn)
			return nil
		},
	)

	m.challenges[c.ID] = c
	m.Logger.Infof("[GAME] %s challenged %s", sender.Info.Username, receiver.Info.Username)
	return c, nil
}

// ChallengeExists reports whether sender already has a challenge pending
// with receiver.
func (m *Manager) ChallengeExists(sender, receiver *connection.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.challenges {
		if c.Sender.Conn == sender && c.Receiver.Conn == receiver {
			return true
		}
	}
	return false
}

// Challenge looks up a pending challenge by id.
func (m *Manager) Challenge(id uuid.UUID) *Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenges[id]
}

// take removes the challenge with id if receiver is the connection it was
// sent to. Callers must hold m.mu.
func (m *Manager) take(id uuid.UUID, receiver *connection.Connection) *Challenge {
	c, ok := m.challenges[id]
	if !ok || c.Receiver.Conn != receiver {
		return nil
	}
	delete(m.challenges, id)
	return c
}

// Accept starts the game for a pending challenge, with the receiver playing X.
// Unknown or expired challenges are ignored and return a nil Game.
func (m *Manager) Accept(id uuid.UUID, receiver *connection.Connection) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.take(id, receiver)
	if c == nil {
		return nil, nil
	}
	m.stop(c, false)

	return m.createGame(c.ID,
		NewNetPlayer(c.Receiver.Conn, c.Receiver.Info.Username, board.X),
		NewNetPlayer(c.Sender.Conn, c.Sender.Info.Username, board.O),
	)
}

// Reject withdraws a pending challenge at the receiver's request.
func (m *Manager) Reject(id uuid.UUID, receiver *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.take(id, receiver); c != nil {
		m.stop(c, true)
		m.Logger.Infof("[GAME] %s rejected a challenge from %s", c.Receiver.Info.Username, c.Sender.Info.Username)
		notice := &packets.GlobalChat{Message: c.Receiver.Info.Username + " has rejected your challenge."}
		if err := c.Sender.Conn.Send(notice); err != nil {
			m.Logger.Warnf("[GAME] error notifying %s of a rejection: %v", c.Sender.Info.Username, err)
		}
	}
}

func (m *Manager) cancel(c *Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.challenges[c.ID] != c {
		return
	}
	delete(m.challenges, c.ID)
	m.stop(c, true)
}

// stop deregisters everything the challenge installed, exactly once. Unless
// the challenge was accepted the receiver is told it is no longer valid.
// Callers must hold m.mu.
func (m *Manager) stop(c *Challenge, cancel bool) {
	if c.stopped {
		return
	}
	c.stopped = true

	c.Sender.Conn.RemoveDisconnectListener(c.senderListener)
	c.Receiver.Conn.RemoveDisconnectListener(c.receiverListener)
	connection.RemoveFiltered[*packets.ChallengeResponse](c.Receiver.Conn, c.responseHandler)

	if cancel {
		if err := c.Receiver.Conn.Send(&packets.ChallengeCancel{ID: c.ID}); err != nil {
			m.Logger.Warnf("[GAME] error sending challenge cancellation: %v", err)
		}
	}
}

// CreateGame starts a game between two players holding opposite marks.
func (m *Manager) CreateGame(id uuid.UUID, a, b Player) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createGame(id, a, b)
}

func (m *Manager) createGame(id uuid.UUID, a, b Player) (*Game, error) {
	g, err := newGame(id, m.Logger.WithField("game", id), a, b)
	if err != nil {
		return nil, err
	}
	m.games[id] = g
	m.Logger.Infof("[GAME] %s (X) vs %s (O) started", g.xPlayer.Name(), g.oPlayer.Name())
	g.start()
	return g, nil
}

// Game looks up a running game by id.
func (m *Manager) Game(id uuid.UUID) *Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.games[id]
}

// Counts returns the number of pending challenges and running games.
func (m *Manager) Counts() (challenges, games int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges), len(m.games)
}

// Tick expires challenges past their deadline or with a party that has gone
// away, forfeits games on behalf of players that are no longer connected and
// forgets finished games.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, c := range m.challenges {
		if now.After(c.Expires) || !c.Sender.Conn.IsAlive() || !c.Receiver.Conn.IsAlive() {
			delete(m.challenges, id)
			m.stop(c, true)
		}
	}

	for id, g := range m.games {
		for _, p := range []Player{g.xPlayer, g.oPlayer} {
			if !p.Connected() {
				g.Forfeit(p)
			}
		}
		if g.Done() {
			delete(m.games, id)
		}
	}
}
