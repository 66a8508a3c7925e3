package game

import (
	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/packets"
)

// Player is one side of a Game. Notifications are delivered while the game's
// lock is held, so implementations must not call back into the Game.
type Player interface {
	Name() string
	Mark() board.Mark
	// Connected reports whether the player can still take part in games.
	Connected() bool

	Start(g *Game)
	NotifyUpdate(g *Game, myTurn bool)
	NotifyOver(g *Game, result packets.GameResult)
}

// Mover is implemented by players that decide their move as soon as it is
// their turn. b is a copy of the board.
type Mover interface {
	NextMove(b *board.Board) (x, y int, ok bool)
}

// NetPlayer is a player on the other end of a Connection. Its moves arrive as
// GameMove packets routed by game id to a handler on its own connection.
type NetPlayer struct {
	conn *connection.Connection
	name string
	mark board.Mark

	moveHandler connection.HandlerID
	forfeiter   connection.ListenerID
}

func NewNetPlayer(conn *connection.Connection, name string, mark board.Mark) *NetPlayer {
	return &NetPlayer{conn: conn, name: name, mark: mark}
}

func (p *NetPlayer) Name() string                       { return p.name }
func (p *NetPlayer) Mark() board.Mark                   { return p.mark }
func (p *NetPlayer) Connected() bool                    { return p.conn.IsAlive() }
func (p *NetPlayer) Connection() *connection.Connection { return p.conn }

func (p *NetPlayer) Start(g *Game) {
	p.forfeiter = p.conn.AddDisconnectListener(func(bool, string) {
		g.Forfeit(p)
	})
	p.moveHandler = connection.AddFiltered(p.conn,
		func(m *packets.GameMove) bool { return m.ID == g.id },
		func(m *packets.GameMove) error {
			if m.IsForfeit() {
				g.Forfeit(p)
			} else {
				g.Move(p, m.X, m.Y)
			}
			return nil
		},
	)
}

func (p *NetPlayer) NotifyUpdate(g *Game, myTurn bool) {
	p.sendUpdate(g, myTurn, false)
}

func (p *NetPlayer) NotifyOver(g *Game, result packets.GameResult) {
	p.sendUpdate(g, false, true)
	if err := p.conn.Send(&packets.GameOver{ID: g.id, Result: result}); err != nil {
		p.conn.Logger().Warnf("error sending game result: %v", err)
	}

	connection.RemoveFiltered[*packets.GameMove](p.conn, p.moveHandler)
	p.conn.RemoveDisconnectListener(p.forfeiter)
}

func (p *NetPlayer) sendUpdate(g *Game, myTurn, gameOver bool) {
	err := p.conn.Send(&packets.GameUpdate{
		ID:       g.id,
		Board:    g.board.Clone(),
		YourTurn: myTurn,
		GameOver: gameOver,
	})
	if err != nil {
		p.conn.Logger().Warnf("error sending game update: %v", err)
	}
}
