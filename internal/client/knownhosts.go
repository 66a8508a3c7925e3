package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dcrodman/tttworld/internal/core/connection"
)

// HostStatus is the result of looking a server up in KnownHosts.
type HostStatus int

const (
	HostUnknown HostStatus = iota
	HostTrusted
	// HostChanged means the server presented a different key than last time.
	HostChanged
)

type KnownHost struct {
	Name        string `yaml:"name"`
	Fingerprint string `yaml:"fingerprint"`
}

// KnownHosts remembers the key fingerprints of servers the player has chosen
// to trust, keyed by address. It is stored as YAML.
type KnownHosts struct {
	path string

	mu    sync.Mutex
	Hosts map[string]KnownHost `yaml:"hosts"`
}

// DefaultKnownHostsPath is ~/.tttworld/known_hosts.yaml.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tttworld", "known_hosts.yaml"), nil
}

// LoadKnownHosts reads the file at path. A missing file is an empty list.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	k := &KnownHosts{path: path, Hosts: make(map[string]KnownHost)}

	contents, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return k, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading known hosts: %w", err)
	}

	if err := yaml.Unmarshal(contents, k); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if k.Hosts == nil {
		k.Hosts = make(map[string]KnownHost)
	}
	return k, nil
}

func (k *KnownHosts) Check(address, fingerprint string) HostStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	host, ok := k.Hosts[address]
	switch {
	case !ok:
		return HostUnknown
	case host.Fingerprint != fingerprint:
		return HostChanged
	default:
		return HostTrusted
	}
}

// Add trusts fingerprint for address, replacing any previous entry, and saves
// the file.
func (k *KnownHosts) Add(address, name, fingerprint string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.Hosts[address] = KnownHost{Name: name, Fingerprint: fingerprint}

	contents, err := yaml.Marshal(k)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("error creating %s: %w", filepath.Dir(k.path), err)
	}
	return os.WriteFile(k.path, contents, 0600)
}

// TrustFunc returns a handshake trust callback for address. Known keys are
// accepted silently; otherwise prompt decides, and an accepted key is saved.
func (k *KnownHosts) TrustFunc(address string, prompt func(name, fingerprint string, status HostStatus) bool) connection.TrustFunc {
	return func(name, fingerprint string) bool {
		status := k.Check(address, fingerprint)
		if status == HostTrusted {
			return true
		}
		if !prompt(name, fingerprint, status) {
			return false
		}
		// Saving is best effort; an unsaved key is asked about again next time.
		_ = k.Add(address, name, fingerprint)
		return true
	}
}
