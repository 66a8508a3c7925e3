// Package game runs tic-tac-toe matches and the challenges that lead to them.
package game

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/packets"
)

var ErrSameMark = errors.New("both players cannot play the same mark")

// Game is a single match between two players. All of its state is guarded by
// its own mutex; players are notified while it is held.
type Game struct {
	id     uuid.UUID
	logger *logrus.Entry

	mu      sync.Mutex
	board   *board.Board
	xPlayer Player
	oPlayer Player
	turn    board.Mark
	done    bool
}

// newGame sets up a game between two players holding opposite marks. The
// game does not begin until start is called.
func newGame(id uuid.UUID, logger *logrus.Entry, a, b Player) (*Game, error) {
	g := &Game{
		id:     id,
		logger: logger,
		board:  board.New(),
		turn:   board.O, // the opening advance hands the first turn to X
	}

	switch {
	case a.Mark() == board.X && b.Mark() == board.O:
		g.xPlayer, g.oPlayer = a, b
	case a.Mark() == board.O && b.Mark() == board.X:
		g.xPlayer, g.oPlayer = b, a
	default:
		return nil, ErrSameMark
	}
	return g, nil
}

func (g *Game) ID() uuid.UUID { return g.id }

func (g *Game) start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.xPlayer.Start(g)
	g.oPlayer.Start(g)
	g.advance()
}

// Board returns a copy of the current board.
func (g *Game) Board() *board.Board {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.board.Clone()
}

func (g *Game) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Active returns the player whose turn it is.
func (g *Game) Active() Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.player(g.turn)
}

func (g *Game) player(m board.Mark) Player {
	if m == board.X {
		return g.xPlayer
	}
	return g.oPlayer
}

// Move places p's mark at (x, y). Moves out of turn, out of range, onto an
// occupied cell or after the game has ended are ignored.
func (g *Game) Move(p Player, x, y int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done || g.player(g.turn) != p || !board.InRange(x, y) || g.board.Get(x, y).IsPlayer() {
		return
	}
	g.board.Set(x, y, p.Mark())
	g.advance()
}

// Forfeit ends the game in favor of loser's opponent. It may be called out
// of turn.
func (g *Game) Forfeit(loser Player) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done || (loser != g.xPlayer && loser != g.oPlayer) {
		return
	}
	g.logger.Infof("[GAME] %s forfeited", loser.Name())
	g.finish(loser.Mark().Opponent())
}

// advance checks for the end of the game and otherwise passes the turn,
// letting players that choose their own moves play until a remote player
// is up. Callers must hold g.mu.
func (g *Game) advance() {
	for {
		switch {
		case g.board.HasWon(board.X):
			g.finish(board.X)
			return
		case g.board.HasWon(board.O):
			g.finish(board.O)
			return
		case g.board.Full():
			g.finish(board.Empty)
			return
		}

		g.turn = g.turn.Opponent()
		active, inactive := g.player(g.turn), g.player(g.turn.Opponent())
		inactive.NotifyUpdate(g, false)
		active.NotifyUpdate(g, true)

		mover, ok := active.(Mover)
		if !ok {
			return
		}
		x, y, ok := mover.NextMove(g.board.Clone())
		if !ok || !board.InRange(x, y) || g.board.Get(x, y).IsPlayer() {
			g.logger.Warnf("[GAME] %s failed to make a move", active.Name())
			g.finish(active.Mark().Opponent())
			return
		}
		g.board.Set(x, y, active.Mark())
	}
}

// finish records the result and notifies both players. winner is Empty for
// a draw. Callers must hold g.mu.
func (g *Game) finish(winner board.Mark) {
	g.done = true

	for _, p := range []Player{g.xPlayer, g.oPlayer} {
		result := packets.Drawn
		if winner == p.Mark() {
			result = packets.Won
		} else if winner.IsPlayer() {
			result = packets.Lost
		}
		p.NotifyOver(g, result)
	}
	g.logger.Debugf("[GAME] game over; winner: %q", winner)
}
