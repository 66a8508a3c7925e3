// Package lobby is the server backend players interact with once connected:
// it authenticates them, relays chat, executes commands and starts games.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core"
	"github.com/dcrodman/tttworld/internal/core/auth"
	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/core/crypto"
	"github.com/dcrodman/tttworld/internal/core/data"
	"github.com/dcrodman/tttworld/internal/game"
	"github.com/dcrodman/tttworld/internal/packets"
)

const (
	welcomeMessage  = "Welcome to Tic-Tac-Toe World!"
	shutdownMessage = "Server is shutting down!"
)

// Server is the lobby backend. Connections handed to SetUpClient go through
// the handshake, then authentication, and are then treated as players.
type Server struct {
	Name     string
	Config   *core.Config
	Logger   *logrus.Logger
	Accounts *auth.Manager
	Games    *game.Manager
	// Keys may be nil to run without encryption.
	Keys *crypto.KeyPair
	// Stop is called when an administrator asks the server to shut down.
	Stop func()

	mu       sync.Mutex
	sessions map[*connection.Connection]*session
}

// session tracks what the lobby knows about a connection.
type session struct {
	conn *connection.Connection
	// Empty until the player has logged in. Guarded by Server.mu.
	username string
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(ctx context.Context) error {
	s.sessions = make(map[*connection.Connection]*session)

	created, err := s.Accounts.EnsureAdmin(s.Config.Accounts.DefaultAdminPassword)
	if err != nil {
		return fmt.Errorf("error creating default administrator: %w", err)
	}
	if created {
		s.Logger.Warnf("[%s] created account %q with the default password; change it with :passwd or the account command",
			s.Name, auth.DefaultAdminName)
	}
	return nil
}

// SetUpClient registers a newly accepted connection and begins the handshake.
func (s *Server) SetUpClient(c *connection.Connection) {
	s.mu.Lock()
	s.sessions[c] = &session{conn: c}
	s.mu.Unlock()

	c.AddDisconnectListener(func(fromRemote bool, reason string) {
		s.onDisconnect(c, fromRemote, reason)
	})

	connection.AcceptHandshake(c, connection.ServerParams{
		Name:              s.Config.ServerName,
		RegisterAllowed:   s.Config.AllowRegister,
		CompressThreshold: s.Config.CompressThreshold,
		Keys:              s.Keys,
		Established:       s.established,
	})
}

// Tick runs the periodic challenge and game sweep.
func (s *Server) Tick() {
	s.Games.Tick()
}

// Shutdown disconnects every connection with reason.
func (s *Server) Shutdown(reason string) {
	for _, sess := range s.snapshot(false) {
		sess.conn.Disconnect(reason)
	}
}

func (s *Server) established(c *connection.Connection) error {
	connection.SetDefault(c, func(p *packets.Authenticate) error {
		return s.handleAuthenticate(c, p)
	})
	if s.Config.AllowRegister {
		connection.SetDefault(c, func(p *packets.Register) error {
			return s.handleRegister(c, p)
		})
	}
	return nil
}

func (s *Server) handleAuthenticate(c *connection.Connection, p *packets.Authenticate) error {
	account, err := s.Accounts.Verify(p.Username, p.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return c.Send(&packets.AuthResult{Result: packets.AuthBadCredential})
	case errors.Is(err, auth.ErrAccountBanned):
		return c.Send(&packets.AuthResult{Result: packets.AuthBanned})
	case err != nil:
		c.Logger().Errorf("[%s] error verifying account %s: %v", s.Name, p.Username, err)
		return c.Send(&packets.AuthResult{Result: packets.AuthUnknown})
	}

	c.Logger().Infof("[%s] %s has been authenticated", s.Name, account.Username)
	return s.onAuthenticated(c, account)
}

func (s *Server) handleRegister(c *connection.Connection, p *packets.Register) error {
	account, err := s.Accounts.Register(p.Username, p.Password)
	switch {
	case errors.Is(err, auth.ErrNameTaken), errors.Is(err, auth.ErrInvalidUsername):
		return c.Send(&packets.AuthResult{Result: packets.AuthNameTaken})
	case errors.Is(err, auth.ErrPasswordShort):
		return c.Send(&packets.AuthResult{Result: packets.AuthPasswordShort})
	case err != nil:
		c.Logger().Errorf("[%s] error registering account %s: %v", s.Name, p.Username, err)
		return c.Send(&packets.AuthResult{Result: packets.AuthUnknown})
	}

	c.Logger().Infof("[%s] %s has registered a new account", s.Name, account.Username)
	return s.onAuthenticated(c, account)
}

// onAuthenticated turns the connection into a player: the login handlers are
// swapped for the lobby's and everyone is told about the new arrival.
func (s *Server) onAuthenticated(c *connection.Connection, account *data.Account) error {
	evicted, ok := s.claim(c, account.Username)
	if !ok {
		// Disconnected while logging in.
		return nil
	}
	// Only one session per account.
	for _, other := range evicted {
		other.Disconnect("Logged in elsewhere!")
	}
	s.Accounts.SetSticky(account.Username, true)

	connection.ClearDefault[*packets.Authenticate](c)
	connection.ClearDefault[*packets.Register](c)
	connection.SetDefault(c, func(p *packets.PasswordChange) error {
		return s.handlePasswordChange(c, account.Username, p)
	})
	connection.SetDefault(c, func(p *packets.GlobalChat) error {
		return s.handleChat(c, account.Username, p)
	})
	// Responses to challenges and moves in games that have since ended.
	connection.SetDefault(c, func(*packets.ChallengeResponse) error { return nil })
	connection.SetDefault(c, func(*packets.GameMove) error { return nil })

	if err := c.Send(&packets.AuthResult{Result: packets.AuthOK, Username: account.Username, Admin: account.Admin}); err != nil {
		return err
	}
	s.sendMessage(c, welcomeMessage)
	s.Broadcast(account.Username + " has connected!")
	s.SendPlayerLists()
	return nil
}

// claim assigns username to the session of c and takes it from every other
// connection logged in under the same name, returning those connections. Claims
// are serialized, so of any number of simultaneous logins only the last one
// survives.
func (s *Server) claim(c *connection.Connection, username string) ([]*connection.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[c]
	if !ok {
		return nil, false
	}
	var others []*connection.Connection
	for conn, other := range s.sessions {
		if conn != c && other.username == username {
			other.username = ""
			others = append(others, conn)
		}
	}
	sess.username = username
	return others, true
}

func (s *Server) onDisconnect(c *connection.Connection, fromRemote bool, reason string) {
	s.mu.Lock()
	sess := s.sessions[c]
	delete(s.sessions, c)
	s.mu.Unlock()

	if fromRemote {
		c.Logger().Infof("[%s] client has disconnected: %s", s.Name, reason)
	} else {
		c.Logger().Infof("[%s] client has been disconnected: %s", s.Name, reason)
	}

	if sess == nil || sess.username == "" {
		return
	}
	if s.session(sess.username) == nil {
		s.Accounts.SetSticky(sess.username, false)
	}
	s.Broadcast(sess.username + " has disconnected!")
	s.SendPlayerLists()
}

func (s *Server) handlePasswordChange(c *connection.Connection, username string, p *packets.PasswordChange) error {
	target := username
	if p.Username != "" && data.NormalizeUsername(p.Username) != username {
		if !s.isAdmin(username) {
			return c.Send(&packets.PasswordChangeResult{Result: packets.PasswordChangeNotAllowed})
		}
		target = p.Username
	}

	result := packets.PasswordChangeOK
	switch err := s.Accounts.ChangePassword(target, p.Password); {
	case errors.Is(err, auth.ErrPasswordShort):
		result = packets.PasswordChangeShort
	case errors.Is(err, auth.ErrAccountNotFound):
		result = packets.PasswordChangeUserNotFound
	case err != nil:
		c.Logger().Errorf("[%s] error changing password of %s: %v", s.Name, target, err)
		result = packets.PasswordChangeUnknownResult
	default:
		c.Logger().Infof("[%s] %s changed the password of %s", s.Name, username, data.NormalizeUsername(target))
	}
	return c.Send(&packets.PasswordChangeResult{Result: result})
}

func (s *Server) handleChat(c *connection.Connection, username string, p *packets.GlobalChat) error {
	if strings.HasPrefix(p.Message, ":") {
		s.execute(c, username, strings.Fields(p.Message))
		return nil
	}
	s.Broadcast("<" + username + "> " + p.Message)
	return nil
}

// Broadcast sends a chat message to every logged in player.
func (s *Server) Broadcast(message string) {
	s.Logger.Infof("[%s] %s", s.Name, message)
	for _, sess := range s.snapshot(true) {
		s.sendMessage(sess.conn, message)
	}
}

// SendPlayerLists sends every logged in player the list of everyone else.
func (s *Server) SendPlayerLists() {
	sessions := s.snapshot(true)

	players := make([]packets.PlayerInfo, 0, len(sessions))
	for _, sess := range sessions {
		players = append(players, packets.PlayerInfo{Username: sess.username, Admin: s.isAdmin(sess.username)})
	}

	for i, sess := range sessions {
		others := make([]packets.PlayerInfo, 0, len(players))
		others = append(others, players[:i]...)
		others = append(others, players[i+1:]...)
		if err := sess.conn.Send(&packets.GlobalPlayerList{Players: others}); err != nil {
			sess.conn.Logger().Warnf("[%s] error sending player list: %v", s.Name, err)
		}
	}
}

func (s *Server) sendMessage(c *connection.Connection, message string) {
	if err := c.Send(&packets.GlobalChat{Message: message}); err != nil {
		c.Logger().Warnf("[%s] error sending message: %v", s.Name, err)
	}
}

// snapshot copies the live sessions, optionally only those that have logged
// in, sorted by username so that player lists are stable.
func (s *Server) snapshot(authenticated bool) []session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if authenticated && (sess.username == "" || !sess.conn.IsAlive()) {
			continue
		}
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].username < sessions[j].username })
	return sessions
}

// session returns the logged in session of a player, ignoring case.
func (s *Server) session(username string) *session {
	username = data.NormalizeUsername(username)
	for _, sess := range s.snapshot(true) {
		if sess.username == username {
			return &sess
		}
	}
	return nil
}

func (s *Server) isAdmin(username string) bool {
	account, err := s.Accounts.Find(username)
	if err != nil {
		s.Logger.Warnf("[%s] error looking up account %s: %v", s.Name, username, err)
		return false
	}
	return account != nil && account.Admin
}
