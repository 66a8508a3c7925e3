package game

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/packets"
)

// Behaviour tries to pick a move for mark on b, reporting false if it has
// no opinion.
type Behaviour func(b *board.Board, mark board.Mark, rnd *rand.Rand) (x, y int, ok bool)

// Win completes one of mark's own lines.
func Win(b *board.Board, mark board.Mark, _ *rand.Rand) (int, int, bool) {
	return completeLine(b, mark)
}

// Block completes the opponent's line before they can.
func Block(b *board.Board, mark board.Mark, _ *rand.Rand) (int, int, bool) {
	return completeLine(b, mark.Opponent())
}

// Random picks any empty cell.
func Random(b *board.Board, _ board.Mark, rnd *rand.Rand) (int, int, bool) {
	cells := b.EmptyCells()
	if len(cells) == 0 {
		return 0, 0, false
	}
	cell := cells[rnd.Intn(len(cells))]
	return cell[0], cell[1], true
}

// completeLine finds the empty cell of the first line holding two of m.
func completeLine(b *board.Board, m board.Mark) (int, int, bool) {
	for _, line := range board.Lines {
		held, empty := 0, -1
		for i, cell := range line {
			switch b.Get(cell[0], cell[1]) {
			case m:
				held++
			case board.Empty:
				empty = i
			}
		}
		if held == 2 && empty >= 0 {
			return line[empty][0], line[empty][1], true
		}
	}
	return 0, 0, false
}

// AIKind selects the behaviours of a computer player.
type AIKind string

const (
	AIRandom   AIKind = "random"
	AIBlocking AIKind = "blocking"
	AISmart    AIKind = "smart"
)

// ParseAIKind accepts a kind name in any case.
func ParseAIKind(s string) (AIKind, error) {
	switch kind := AIKind(strings.ToLower(s)); kind {
	case AIRandom, AIBlocking, AISmart:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown AI kind: %s", s)
	}
}

func (k AIKind) behaviours() []Behaviour {
	switch k {
	case AISmart:
		return []Behaviour{Win, Block, Random}
	case AIBlocking:
		return []Behaviour{Block, Random}
	default:
		return []Behaviour{Random}
	}
}

// AIPlayer is a computer opponent that tries each of its behaviours in order
// and plays the first move one of them suggests.
type AIPlayer struct {
	name       string
	mark       board.Mark
	behaviours []Behaviour
	rnd        *rand.Rand
}

// NewAIPlayer creates a computer player. A nil rnd is seeded from the clock.
func NewAIPlayer(name string, mark board.Mark, kind AIKind, rnd *rand.Rand) *AIPlayer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &AIPlayer{name: name, mark: mark, behaviours: kind.behaviours(), rnd: rnd}
}

func (p *AIPlayer) Name() string     { return p.name }
func (p *AIPlayer) Mark() board.Mark { return p.mark }
func (p *AIPlayer) Connected() bool  { return true }

func (p *AIPlayer) Start(*Game)                          {}
func (p *AIPlayer) NotifyUpdate(*Game, bool)             {}
func (p *AIPlayer) NotifyOver(*Game, packets.GameResult) {}

func (p *AIPlayer) NextMove(b *board.Board) (int, int, bool) {
	for _, behaviour := range p.behaviours {
		if x, y, ok := behaviour(b, p.mark, p.rnd); ok {
			return x, y, true
		}
	}
	return 0, 0, false
}
