package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/core"
	"github.com/dcrodman/tttworld/internal/core/auth"
	"github.com/dcrodman/tttworld/internal/core/crypto"
	"github.com/dcrodman/tttworld/internal/core/data"
	"github.com/dcrodman/tttworld/internal/core/debug"
	"github.com/dcrodman/tttworld/internal/game"
	"github.com/dcrodman/tttworld/internal/lobby"
)

const shutdownReason = "Server is shutting down!"

// Controller is the main entrypoint for the server. It's responsible for
// initializing any shared resources (such as database and logging), wiring
// the lobby to the frontend, and shutting everything down again.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	server *frontend
}

// Start runs the server until ctx is cancelled or an administrator stops it.
// Every client is disconnected before Start returns.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	db, err := data.Open(c.Config.Database.Engine, c.Config.DataSource(), c.Config.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := data.Close(db); err != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
	}()

	keys, err := c.loadKeys()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lobbyServer := &lobby.Server{
		Name:     "LOBBY",
		Config:   c.Config,
		Logger:   c.logger,
		Accounts: auth.NewManager(db, c.Config.Accounts.MinPasswordLength, c.Config.Accounts.CacheTTL),
		Games:    game.NewManager(c.logger, c.Config.Game.ChallengeTimeout),
		Keys:     keys,
		Stop:     cancel,
	}
	server := &frontend{
		Address: c.Config.ListenAddress(),
		Backend: lobbyServer,
		Config:  c.Config,
		Logger:  c.logger,
	}
	if err := server.Start(ctx, &c.wg); err != nil {
		return err
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	<-ctx.Done()
	c.logger.Infof("[%s] shutting down (waiting for workers to finish)", lobbyServer.Identifier())

	// Workers finish their current packet before the clients are dropped.
	c.wg.Wait()
	lobbyServer.Shutdown(shutdownReason)
	c.logger.Infof("[%s] exited", lobbyServer.Identifier())
	return nil
}

// Addr returns the address the server is listening on, or nil if it has not
// started yet.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Addr()
}

func (c *Controller) loadKeys() (*crypto.KeyPair, error) {
	if c.Config.Debugging.DisableEncryption {
		c.logger.Warn("encryption is disabled; traffic will be sent in the clear")
		return nil, nil
	}

	keys, generated, err := crypto.LoadOrGenerateKeyPair(
		c.Config.QualifiedPath(c.Config.Keys.PrivateKeyFile),
		c.Config.QualifiedPath(c.Config.Keys.PublicKeyFile),
		c.Config.Keys.Bits,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading server keys: %w", err)
	}
	if generated {
		c.logger.Infof("generated a new %d bit server key", c.Config.Keys.Bits)
	}
	c.logger.Infof("server key fingerprint: %s", keys.Fingerprint())
	return keys, nil
}
