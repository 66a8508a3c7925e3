package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcrodman/tttworld/internal/client"
	"github.com/dcrodman/tttworld/internal/packets"
)

var playCmd = &cobra.Command{
	Use:   "play <host:port>",
	Short: "Connects to a server as a player",
	Args:  cobra.ExactArgs(1),
	Run:   PlayCommand,
}

var (
	RegisterFlag   bool
	KnownHostsFlag string
)

const playHelp = `Anything not starting with / is sent as chat; :help lists server commands.
  /accept [id]      accept the latest (or given) challenge
  /reject [id]      reject the latest (or given) challenge
  /move <x> <y>     place a mark, 0-2 from the top left
  /forfeit          give up the current game
  /passwd <password> [player]
  /quit`

func PlayCommand(cmd *cobra.Command, args []string) {
	address := args[0]
	in := bufio.NewScanner(os.Stdin)

	path := KnownHostsFlag
	if path == "" {
		var err error
		if path, err = client.DefaultKnownHostsPath(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	hosts, err := client.LoadKnownHosts(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c, err := client.Dial(ctx, address, logger, hosts.TrustFunc(address, func(name, fingerprint string, status client.HostStatus) bool {
		if status == client.HostChanged {
			fmt.Printf("WARNING: the key of %s has changed since you last connected!\n", address)
		}
		fmt.Printf("%s (%s) presented key %s\nTrust it? [y/N] ", name, address, fingerprint)
		in.Scan()
		return strings.EqualFold(strings.TrimSpace(in.Text()), "y")
	}))
	if err != nil {
		cancel()
		fmt.Println(err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("Connected to %s\n", c.ServerName())
	username := prompt(in, "Username")
	password := prompt(in, "Password")

	login := c.Login
	if RegisterFlag {
		login = c.Register
	}
	_, err = login(ctx, username, password)
	cancel()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	t := &terminal{out: os.Stdout, client: c}
	go func() {
		if err := c.Run(context.Background(), t.handlers()); err != nil {
			t.printf("connection error: %v\n", err)
		}
		os.Exit(0)
	}()

	t.printf("%s\n", playHelp)
	for in.Scan() {
		if !t.execute(strings.TrimSpace(in.Text())) {
			return
		}
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Printf("%s: ", label)
	in.Scan()
	return strings.TrimSpace(in.Text())
}

// terminal renders server events and turns typed lines into requests.
type terminal struct {
	out    io.Writer
	client interface {
		Chat(message string) error
		Respond(id uuid.UUID, accept bool) error
		Move(game uuid.UUID, x, y int) error
		Forfeit(game uuid.UUID) error
		ChangePassword(username, password string) error
	}

	mu        sync.Mutex
	challenge uuid.UUID
	game      uuid.UUID
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) handlers() client.Handlers {
	return client.Handlers{
		Chat: func(message string) { t.printf("%s\n", message) },
		Players: func(players []packets.PlayerInfo) {
			names := make([]string, 0, len(players))
			for _, p := range players {
				if p.Admin {
					names = append(names, p.Username+" (admin)")
				} else {
					names = append(names, p.Username)
				}
			}
			t.printf("Players online: %s\n", strings.Join(names, ", "))
		},
		Challenge: func(c *packets.Challenge) {
			t.mu.Lock()
			t.challenge = c.ID
			t.mu.Unlock()
			t.printf("%s challenges you! /accept or /reject within %ds (%s)\n",
				c.Sender.Username, c.Timeout/1000, c.ID)
		},
		Cancel: func(id uuid.UUID) {
			t.mu.Lock()
			if t.challenge == id {
				t.challenge = uuid.Nil
			}
			t.mu.Unlock()
			t.printf("Challenge %s is no longer available\n", id)
		},
		GameUpdate: func(u *packets.GameUpdate) {
			t.mu.Lock()
			t.game = u.ID
			t.mu.Unlock()
			t.printf("%s\n", u.Board.Render())
			if u.YourTurn {
				t.printf("Your move!\n")
			}
		},
		GameOver: func(o *packets.GameOver) {
			t.mu.Lock()
			if t.game == o.ID {
				t.game = uuid.Nil
			}
			t.mu.Unlock()
			t.printf("Game over: you %s\n", o.Result)
		},
		AuthChanged: func(r *packets.AuthResult) {
			if r.Admin {
				t.printf("You are now an administrator\n")
			}
		},
		PasswordResult: func(r packets.PasswordChangeResultCode) {
			t.printf("Password change: %s\n", r)
		},
		Disconnected: func(_ bool, reason string) {
			t.printf("Disconnected: %s\n", reason)
		},
	}
}

// execute handles one line of input, returning false when the player quits.
func (t *terminal) execute(line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		t.report(t.client.Chat(line))
		return true
	}

	t.mu.Lock()
	challenge, game := t.challenge, t.game
	t.mu.Unlock()

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false
	case "/accept", "/reject":
		id := challenge
		if len(fields) > 1 {
			parsed, err := uuid.Parse(fields[1])
			if err != nil {
				t.printf("invalid challenge id: %v\n", err)
				return true
			}
			id = parsed
		}
		if id == uuid.Nil {
			t.printf("no challenge to answer\n")
			return true
		}
		t.report(t.client.Respond(id, fields[0] == "/accept"))
	case "/move":
		if len(fields) != 3 {
			t.printf("usage: /move <x> <y>\n")
			return true
		}
		x, errX := strconv.Atoi(fields[1])
		y, errY := strconv.Atoi(fields[2])
		if errX != nil || errY != nil {
			t.printf("usage: /move <x> <y>\n")
			return true
		}
		if game == uuid.Nil {
			t.printf("you are not in a game\n")
			return true
		}
		t.report(t.client.Move(game, x, y))
	case "/forfeit":
		if game == uuid.Nil {
			t.printf("you are not in a game\n")
			return true
		}
		t.report(t.client.Forfeit(game))
	case "/passwd":
		switch len(fields) {
		case 2:
			t.report(t.client.ChangePassword("", fields[1]))
		case 3:
			t.report(t.client.ChangePassword(fields[2], fields[1]))
		default:
			t.printf("usage: /passwd <password> [player]\n")
		}
	default:
		t.printf("%s\n", playHelp)
	}
	return true
}

func (t *terminal) report(err error) {
	if err != nil {
		t.printf("error: %v\n", err)
	}
}
