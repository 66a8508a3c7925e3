package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcrodman/tttworld/internal/core/crypto"
	"github.com/dcrodman/tttworld/internal/packets"
)

// ErrUntrusted is returned when the client declines the server's key.
var ErrUntrusted = errors.New("server key was not trusted")

// ServerParams describes what the server advertises during the handshake.
type ServerParams struct {
	Name              string
	RegisterAllowed   bool
	CompressThreshold int
	// Keys is the server's RSA identity. A nil Keys runs the session unencrypted.
	Keys *crypto.KeyPair
	// Established is called once the handshake has completed, encryption
	// included, and is where the caller installs its next set of handlers.
	Established func(c *Connection) error
}

// AcceptHandshake prepares a freshly accepted connection for the server side
// of the handshake. The handshake itself is driven by the client's packets.
func AcceptHandshake(c *Connection, params ServerParams) {
	SetDefault(c, func(p *packets.ClientHandshake) error {
		if p.Version.Major != packets.ProtocolMajor {
			c.Disconnect("Protocol version mismatch")
			return nil
		}

		var publicKey []byte
		if params.Keys != nil {
			publicKey = params.Keys.Public
		}

		if err := c.Send(&packets.ServerHandshake{
			CompressThreshold: params.CompressThreshold,
			ServerName:        params.Name,
			RegisterAllowed:   params.RegisterAllowed,
			PublicKey:         publicKey,
		}); err != nil {
			return err
		}
		ClearDefault[*packets.ClientHandshake](c)
		c.SetCompressionThreshold(params.CompressThreshold)

		if params.Keys == nil {
			return params.Established(c)
		}

		SetDefault(c, func(p *packets.StartEncrypt) error {
			key, err := crypto.DecryptAsymmetric(params.Keys.Private, p.CryptKey)
			if err != nil || len(key) != crypto.SymmetricKeySize {
				c.Disconnect("Unable to read encryption key!")
				return nil
			}

			c.SetEncryptionKey(key)
			ClearDefault[*packets.StartEncrypt](c)
			return params.Established(c)
		})
		return nil
	})
}

// TrustFunc decides whether to trust a server identified by its key fingerprint.
type TrustFunc func(serverName, fingerprint string) bool

// ClientHandshake performs the client side of the handshake, blocking until the
// session is established. On success all further traffic is encrypted (if the
// server offered a key) and compressed according to the server's threshold.
func ClientHandshake(ctx context.Context, c *Connection, trust TrustFunc) (*packets.ServerHandshake, error) {
	if err := c.Send(&packets.ClientHandshake{
		Version: packets.ProtocolVersion{Major: packets.ProtocolMajor, Minor: packets.ProtocolMinor},
	}); err != nil {
		return nil, err
	}

	p, err := c.Next(ctx)
	if err != nil {
		return nil, err
	}

	var handshake *packets.ServerHandshake
	switch p := p.(type) {
	case *packets.ServerHandshake:
		handshake = p
	case *packets.Disconnect:
		_ = c.Dispatch(p)
		return nil, fmt.Errorf("server disconnected: %s", p.Reason)
	default:
		c.Disconnect("Unexpected packet")
		return nil, fmt.Errorf("%w: expected ServerHandshake, got %v", ErrProtocol, p.Type())
	}

	if len(handshake.PublicKey) > 0 {
		if !trust(handshake.ServerName, crypto.Fingerprint(handshake.PublicKey)) {
			c.Disconnect("Server key not trusted")
			return nil, ErrUntrusted
		}

		pub, err := crypto.ParsePublicKey(handshake.PublicKey)
		if err != nil {
			c.Disconnect("Invalid server key")
			return nil, err
		}

		key, err := crypto.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		encrypted, err := crypto.EncryptAsymmetric(pub, key)
		if err != nil {
			return nil, fmt.Errorf("error encrypting session key: %w", err)
		}

		if err := c.Send(&packets.StartEncrypt{CryptKey: encrypted}); err != nil {
			return nil, err
		}
		c.SetEncryptionKey(key)
	}

	c.SetCompressionThreshold(handshake.CompressThreshold)
	return handshake, nil
}
