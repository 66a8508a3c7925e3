package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/packets"
)

type recordingClient struct {
	calls []string
}

func (c *recordingClient) record(format string, args ...interface{}) error {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	return nil
}

func (c *recordingClient) Chat(message string) error { return c.record("chat %s", message) }
func (c *recordingClient) Respond(id uuid.UUID, accept bool) error {
	return c.record("respond %s %v", id, accept)
}
func (c *recordingClient) Move(game uuid.UUID, x, y int) error {
	return c.record("move %s %d %d", game, x, y)
}
func (c *recordingClient) Forfeit(game uuid.UUID) error { return c.record("forfeit %s", game) }
func (c *recordingClient) ChangePassword(username, password string) error {
	return c.record("passwd %q %q", username, password)
}

func TestTerminal_Execute(t *testing.T) {
	var out bytes.Buffer
	rc := &recordingClient{}
	term := &terminal{out: &out, client: rc}
	h := term.handlers()

	challenge, game, other := uuid.New(), uuid.New(), uuid.New()

	lines := []string{
		"hello there",
		"/accept",
		"/move 1 1",
	}
	for _, line := range lines {
		term.execute(line)
	}

	h.Challenge(&packets.Challenge{ID: challenge, Sender: packets.PlayerInfo{Username: "bob"}, Timeout: 60000})
	h.GameUpdate(&packets.GameUpdate{ID: game, Board: board.New(), YourTurn: true})
	for _, line := range []string{
		"/accept",
		"/reject " + other.String(),
		"/move 2 0",
		"/move a b",
		"/forfeit",
		"/passwd hunter22",
		"/passwd hunter22 bob",
		":help",
	} {
		term.execute(line)
	}

	want := []string{
		"chat hello there",
		fmt.Sprintf("respond %s true", challenge),
		fmt.Sprintf("respond %s false", other),
		fmt.Sprintf("move %s 2 0", game),
		fmt.Sprintf("forfeit %s", game),
		`passwd "" "hunter22"`,
		`passwd "bob" "hunter22"`,
		"chat :help",
	}
	if diff := deep.Equal(rc.calls, want); diff != nil {
		t.Error(diff)
	}

	output := out.String()
	for _, expected := range []string{"no challenge to answer", "you are not in a game", "bob challenges you!", "Your move!", "usage: /move <x> <y>"} {
		if !strings.Contains(output, expected) {
			t.Errorf("expected output to contain %q:\n%s", expected, output)
		}
	}

	if term.execute("/quit") {
		t.Errorf("expected /quit to end the session")
	}
}

func TestTerminal_GameOverClearsGame(t *testing.T) {
	var out bytes.Buffer
	rc := &recordingClient{}
	term := &terminal{out: &out, client: rc}
	h := term.handlers()

	game := uuid.New()
	h.GameUpdate(&packets.GameUpdate{ID: game, Board: board.New()})
	h.GameOver(&packets.GameOver{ID: game, Result: packets.Won})
	term.execute("/forfeit")

	if len(rc.calls) != 0 {
		t.Errorf("expected no requests after the game ended, got %v", rc.calls)
	}
	if !strings.Contains(out.String(), "Game over: you won") {
		t.Errorf("expected the result to be printed:\n%s", out.String())
	}
}
