// Package client implements the player side of a TTTWorld session: dialing
// and handshaking with a server, logging in, and turning the server's packets
// into callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/packets"
)

// ErrAuthFailed is returned by Login and Register when the server refuses.
// The AuthResult is still returned alongside it.
var ErrAuthFailed = errors.New("authentication failed")

// Handlers are invoked from Run for packets pushed by the server. Any of them
// may be nil.
type Handlers struct {
	Chat           func(message string)
	Players        func(players []packets.PlayerInfo)
	Challenge      func(c *packets.Challenge)
	Cancel         func(id uuid.UUID)
	GameUpdate     func(u *packets.GameUpdate)
	GameOver       func(o *packets.GameOver)
	AuthChanged    func(r *packets.AuthResult)
	PasswordResult func(r packets.PasswordChangeResultCode)
	Disconnected   func(fromRemote bool, reason string)
}

// Client is a connection to a TTTWorld server.
type Client struct {
	conn   *connection.Connection
	server *packets.ServerHandshake

	Username string
	Admin    bool
}

// Dial connects to address and performs the handshake, asking trust whether
// to accept the server's key.
func Dial(ctx context.Context, address string, logger *logrus.Logger, trust connection.TrustFunc) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", address, err)
	}
	return newClient(ctx, connection.New(conn, logger), trust)
}

func newClient(ctx context.Context, c *connection.Connection, trust connection.TrustFunc) (*Client, error) {
	handshake, err := connection.ClientHandshake(ctx, c, trust)
	if err != nil {
		c.Disconnect("Handshake failed")
		return nil, err
	}
	return &Client{conn: c, server: handshake}, nil
}

// ServerName is the name the server advertised.
func (c *Client) ServerName() string { return c.server.ServerName }

// RegisterAllowed reports whether the server accepts new accounts.
func (c *Client) RegisterAllowed() bool { return c.server.RegisterAllowed }

// Encrypted reports whether the session is encrypted.
func (c *Client) Encrypted() bool { return c.conn.Encrypted() }

// Login authenticates with an existing account.
func (c *Client) Login(ctx context.Context, username, password string) (*packets.AuthResult, error) {
	return c.authenticate(ctx, &packets.Authenticate{Username: username, Password: password})
}

// Register creates an account and logs in with it.
func (c *Client) Register(ctx context.Context, username, password string) (*packets.AuthResult, error) {
	if !c.server.RegisterAllowed {
		return nil, errors.New("the server does not allow registration")
	}
	return c.authenticate(ctx, &packets.Register{Username: username, Password: password})
}

// authenticate sends p and waits for the result. It must be called before Run.
func (c *Client) authenticate(ctx context.Context, p packets.Packet) (*packets.AuthResult, error) {
	if err := c.conn.Send(p); err != nil {
		return nil, err
	}

	for {
		next, err := c.conn.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch next := next.(type) {
		case *packets.AuthResult:
			if next.Result != packets.AuthOK {
				return next, fmt.Errorf("%w: %s", ErrAuthFailed, next.Result)
			}
			c.Username, c.Admin = next.Username, next.Admin
			return next, nil
		case *packets.Disconnect:
			return nil, fmt.Errorf("disconnected: %s", next.Reason)
		case *packets.KeepAlive:
			if err := c.conn.Send(&packets.KeepAlive{}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected %v while authenticating", connection.ErrProtocol, next.Type())
		}
	}
}

// Run dispatches packets from the server to h until the connection closes or
// ctx is done. Keep-alives are answered automatically.
func (c *Client) Run(ctx context.Context, h Handlers) error {
	if h.Disconnected != nil {
		c.conn.AddDisconnectListener(h.Disconnected)
	}

	connection.SetDefault(c.conn, func(*packets.KeepAlive) error {
		return c.conn.Send(&packets.KeepAlive{})
	})
	connection.SetDefault(c.conn, func(p *packets.GlobalChat) error {
		call(h.Chat, p.Message)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.GlobalPlayerList) error {
		call(h.Players, p.Players)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.Challenge) error {
		call(h.Challenge, p)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.ChallengeCancel) error {
		call(h.Cancel, p.ID)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.GameUpdate) error {
		call(h.GameUpdate, p)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.GameOver) error {
		call(h.GameOver, p)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.AuthResult) error {
		call(h.AuthChanged, p)
		return nil
	})
	connection.SetDefault(c.conn, func(p *packets.PasswordChangeResult) error {
		call(h.PasswordResult, p.Result)
		return nil
	})

	err := c.conn.Run(ctx)
	if !c.conn.IsAlive() || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func call[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

// Chat sends a message (or a command if it starts with ':') to the lobby.
func (c *Client) Chat(message string) error {
	return c.conn.Send(&packets.GlobalChat{Message: message})
}

// Respond answers a challenge.
func (c *Client) Respond(id uuid.UUID, accept bool) error {
	response := packets.Reject
	if accept {
		response = packets.Accept
	}
	return c.conn.Send(&packets.ChallengeResponse{ID: id, Response: response})
}

func (c *Client) Move(game uuid.UUID, x, y int) error {
	return c.conn.Send(&packets.GameMove{ID: game, X: x, Y: y})
}

func (c *Client) Forfeit(game uuid.UUID) error {
	return c.Move(game, packets.ForfeitCoordinate, packets.ForfeitCoordinate)
}

// ChangePassword changes the password of username, or of the logged in
// account when username is empty.
func (c *Client) ChangePassword(username, password string) error {
	return c.conn.Send(&packets.PasswordChange{Username: username, Password: password})
}

// Close disconnects from the server.
func (c *Client) Close() {
	c.conn.Disconnect("Client closed")
}
