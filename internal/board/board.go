// Package board implements the 3x3 tic-tac-toe grid shared by the server and client.
package board

import (
	"fmt"
	"strings"
)

// Size is the width and height of the board.
const Size = 3

// Mark is the contents of a single cell.
type Mark byte

const (
	Empty Mark = ' '
	X     Mark = 'X'
	O     Mark = 'O'
)

// IsPlayer reports whether m is one of the two player marks.
func (m Mark) IsPlayer() bool {
	return m == X || m == O
}

// Opponent returns the other player's mark.
func (m Mark) Opponent() Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

func (m Mark) String() string {
	return string(rune(m))
}

// Board is a 3x3 grid indexed by column (x) and row (y). The zero value is
// not usable; use New.
type Board struct {
	cells [Size * Size]Mark
}

// New returns an empty board.
func New() *Board {
	b := &Board{}
	b.Clear()
	return b
}

// InRange reports whether (x, y) is a cell on the board.
func InRange(x, y int) bool {
	return x >= 0 && x < Size && y >= 0 && y < Size
}

func (b *Board) Get(x, y int) Mark {
	return b.cells[y*Size+x]
}

func (b *Board) Set(x, y int, m Mark) {
	b.cells[y*Size+x] = m
}

func (b *Board) Clear() {
	for i := range b.cells {
		b.cells[i] = Empty
	}
}

// Full reports whether every cell holds a player mark.
func (b *Board) Full() bool {
	for _, m := range b.cells {
		if !m.IsPlayer() {
			return false
		}
	}
	return true
}

// Lines lists every winning line as cell coordinates.
var Lines = [8][3][2]int{
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{2, 0}, {1, 1}, {0, 2}},
}

// HasWon reports whether m occupies any complete line.
func (b *Board) HasWon(m Mark) bool {
	if !m.IsPlayer() {
		return false
	}

	for _, line := range Lines {
		if b.Get(line[0][0], line[0][1]) == m &&
			b.Get(line[1][0], line[1][1]) == m &&
			b.Get(line[2][0], line[2][1]) == m {
			return true
		}
	}
	return false
}

// EmptyCells returns the coordinates of every unclaimed cell in row order.
func (b *Board) EmptyCells() [][2]int {
	var cells [][2]int
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			if !b.Get(x, y).IsPlayer() {
				cells = append(cells, [2]int{x, y})
			}
		}
	}
	return cells
}

// Clone returns an independent copy of the board.
func (b *Board) Clone() *Board {
	c := *b
	return &c
}

// String returns the 9 character row-major encoding used on the wire.
func (b *Board) String() string {
	var sb strings.Builder
	for _, m := range b.cells {
		sb.WriteByte(byte(m))
	}
	return sb.String()
}

func (b *Board) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Board) UnmarshalText(text []byte) error {
	if len(text) != Size*Size {
		return fmt.Errorf("encoded board has length %d, expected %d", len(text), Size*Size)
	}

	for i, c := range text {
		m := Mark(c)
		if m != Empty && !m.IsPlayer() {
			return fmt.Errorf("invalid mark %q in encoded board", c)
		}
		b.cells[i] = m
	}
	return nil
}

// Render draws the board with row and column labels for terminal display.
func (b *Board) Render() string {
	var sb strings.Builder
	sb.WriteString("     0     1     2\n")
	sb.WriteString("  +-----+-----+-----+\n")
	for y := 0; y < Size; y++ {
		fmt.Fprintf(&sb, "%d |", y)
		for x := 0; x < Size; x++ {
			fmt.Fprintf(&sb, "  %c  |", b.Get(x, y))
		}
		sb.WriteString("\n  +-----+-----+-----+\n")
	}
	return sb.String()
}
