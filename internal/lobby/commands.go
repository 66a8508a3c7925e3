package lobby

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/game"
	"github.com/dcrodman/tttworld/internal/packets"
)

// commandError is reported back to the player who issued the command.
type commandError struct {
	msg string
}

func (e commandError) Error() string {
	return e.msg
}

// errSyntax makes the executor reply with the command's usage.
var errSyntax = errors.New("incorrect syntax")

// invocation is a single execution of a command by a logged in player.
type invocation struct {
	conn     *connection.Connection
	username string
	args     []string
}

type command struct {
	usage string
	// Number of arguments after the command name.
	arity int
	admin bool
	run   func(s *Server, inv invocation) error
}

// Command names are matched case-sensitively.
var commands map[string]command

func init() {
	commands = map[string]command{
		":kick":      {usage: ":kick <player>", arity: 1, admin: true, run: (*Server).kick},
		":ban":       {usage: ":ban <player>", arity: 1, admin: true, run: (*Server).ban},
		":unban":     {usage: ":unban <player>", arity: 1, admin: true, run: (*Server).unban},
		":promote":   {usage: ":promote <player>", arity: 1, admin: true, run: (*Server).promote},
		":demote":    {usage: ":demote <player>", arity: 1, admin: true, run: (*Server).demote},
		":stop":      {usage: ":stop", arity: 0, admin: true, run: (*Server).stop},
		":challenge": {usage: ":challenge <player>", arity: 1, run: (*Server).challenge},
		":playai":    {usage: ":playai {random|blocking|smart} {x|o}", arity: 2, run: (*Server).playAI},
		":help":      {usage: ":help", arity: 0, run: (*Server).help},
	}
}

func (s *Server) execute(c *connection.Connection, username string, args []string) {
	c.Logger().Infof("[%s] %s has executed %s", s.Name, username, strings.Join(args, " "))

	cmd, ok := commands[args[0]]
	if !ok {
		s.sendMessage(c, "Unknown command!")
		return
	}
	if cmd.admin && !s.isAdmin(username) {
		s.sendMessage(c, "You don't have permission to use "+args[0]+"!")
		return
	}
	if len(args)-1 != cmd.arity {
		s.sendMessage(c, "Correct syntax is "+cmd.usage)
		return
	}

	err := cmd.run(s, invocation{conn: c, username: username, args: args})
	var cmdErr commandError
	switch {
	case err == nil:
	case errors.Is(err, errSyntax):
		s.sendMessage(c, "Correct syntax is "+cmd.usage)
	case errors.As(err, &cmdErr):
		s.sendMessage(c, "Error executing command: "+capitalize(cmdErr.msg))
	default:
		c.Logger().Errorf("[%s] error executing %s: %v", s.Name, args[0], err)
		s.sendMessage(c, "Error executing command: "+capitalize("an unexpected error occurred"))
	}
}

// capitalize title-cases the first word of msg and leaves the rest, which may
// contain usernames, untouched.
func capitalize(msg string) string {
	first, rest, _ := strings.Cut(msg, " ")
	first = cases.Title(language.English).String(first)
	if rest == "" {
		return first
	}
	return first + " " + rest
}

func (s *Server) kick(inv invocation) error {
	target := s.session(inv.args[1])
	if target == nil {
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	}
	target.conn.Disconnect("Kicked by " + inv.username)
	return nil
}

func (s *Server) ban(inv invocation) error {
	account, err := s.Accounts.Find(inv.args[1])
	if err != nil {
		return err
	} else if account == nil {
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	}

	if target := s.session(account.Username); target != nil {
		target.conn.Disconnect("Banned by " + inv.username)
	}

	changed, err := s.Accounts.SetBanned(account.Username, true)
	if err != nil {
		return commandError{msg: "unable to update account " + account.Username}
	}
	if changed {
		s.sendMessage(inv.conn, "Successfully banned "+account.Username)
	} else {
		s.sendMessage(inv.conn, account.Username+" is already banned!")
	}
	return nil
}

func (s *Server) unban(inv invocation) error {
	account, err := s.Accounts.Find(inv.args[1])
	if err != nil {
		return err
	} else if account == nil {
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	}

	changed, err := s.Accounts.SetBanned(account.Username, false)
	if err != nil {
		return commandError{msg: "unable to update account " + account.Username}
	}
	if changed {
		s.sendMessage(inv.conn, "Successfully unbanned "+account.Username)
	} else {
		s.sendMessage(inv.conn, account.Username+" is not banned!")
	}
	return nil
}

func (s *Server) promote(inv invocation) error {
	account, err := s.Accounts.Find(inv.args[1])
	if err != nil {
		return err
	} else if account == nil {
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	} else if account.Admin {
		s.sendMessage(inv.conn, account.Username+" is already an administrator!")
		return nil
	}

	if _, err := s.Accounts.SetAdmin(account.Username, true); err != nil {
		return commandError{msg: "unable to update account " + account.Username}
	}
	s.notifyAdminChange(account.Username, true, "You have been promoted!")
	s.sendMessage(inv.conn, "Successfully promoted "+account.Username)
	return nil
}

func (s *Server) demote(inv invocation) error {
	account, err := s.Accounts.Find(inv.args[1])
	if err != nil {
		return err
	} else if account == nil {
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	} else if !account.Admin {
		s.sendMessage(inv.conn, account.Username+" is not an administrator!")
		return nil
	} else if account.Username == inv.username {
		s.sendMessage(inv.conn, "You can't demote yourself!")
		return nil
	}

	if _, err := s.Accounts.SetAdmin(account.Username, false); err != nil {
		return commandError{msg: "unable to update account " + account.Username}
	}
	s.notifyAdminChange(account.Username, false, "You have been demoted!")
	s.sendMessage(inv.conn, "Successfully demoted "+account.Username)
	return nil
}

// notifyAdminChange refreshes the player lists and resends the affected
// player's AuthResult if they are online.
func (s *Server) notifyAdminChange(username string, admin bool, message string) {
	target := s.session(username)
	if target == nil {
		return
	}
	s.SendPlayerLists()
	if err := target.conn.Send(&packets.AuthResult{Result: packets.AuthOK, Username: username, Admin: admin}); err != nil {
		target.conn.Logger().Warnf("[%s] error sending auth result: %v", s.Name, err)
	}
	s.sendMessage(target.conn, message)
}

func (s *Server) stop(inv invocation) error {
	s.Logger.Warnf("[%s] shutdown requested by %s", s.Name, inv.username)
	if s.Stop != nil {
		s.Stop()
	}
	return nil
}

func (s *Server) challenge(inv invocation) error {
	target := s.session(inv.args[1])
	switch {
	case target == nil:
		s.sendMessage(inv.conn, "Could not find player "+inv.args[1])
		return nil
	case s.Games.ChallengeExists(inv.conn, target.conn):
		s.sendMessage(inv.conn, "You already challenged this player. Give them some time to accept!")
		return nil
	case target.conn == inv.conn:
		s.sendMessage(inv.conn, "You can't duel yourself, crazy person!")
		return nil
	}

	sender := game.Participant{
		Conn: inv.conn,
		Info: packets.PlayerInfo{Username: inv.username, Admin: s.isAdmin(inv.username)},
	}
	receiver := game.Participant{
		Conn: target.conn,
		Info: packets.PlayerInfo{Username: target.username, Admin: s.isAdmin(target.username)},
	}
	if _, err := s.Games.SendChallenge(sender, receiver); err != nil {
		inv.conn.Logger().Warnf("[%s] %v", s.Name, err)
		return commandError{msg: "unable to reach " + target.username}
	}
	s.sendMessage(inv.conn, "Your challenge has been sent...")
	return nil
}

func (s *Server) playAI(inv invocation) error {
	kind, err := game.ParseAIKind(inv.args[1])
	if err != nil {
		return errSyntax
	}

	var playerMark board.Mark
	switch strings.ToLower(inv.args[2]) {
	case "x":
		playerMark = board.X
	case "o":
		playerMark = board.O
	default:
		return errSyntax
	}

	_, err = s.Games.CreateGame(uuid.New(),
		game.NewNetPlayer(inv.conn, inv.username, playerMark),
		game.NewAIPlayer("AI", playerMark.Opponent(), kind, nil),
	)
	return err
}

func (s *Server) help(inv invocation) error {
	admin := s.isAdmin(inv.username)

	var usages []string
	for _, cmd := range commands {
		if !cmd.admin || admin {
			usages = append(usages, cmd.usage)
		}
	}
	sort.Strings(usages)

	s.sendMessage(inv.conn, "Available commands:")
	for _, usage := range usages {
		s.sendMessage(inv.conn, "  "+usage)
	}
	return nil
}
