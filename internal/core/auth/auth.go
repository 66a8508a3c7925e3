// Package auth manages player accounts: credential checks, registration, and
// the administrative flags stored on each account.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/dcrodman/tttworld/internal/core/data"
)

const (
	// DefaultAdminName is the account created when the database is empty.
	DefaultAdminName = "admin"
	// MaxUsernameLength bounds the length of a registered username.
	MaxUsernameLength = 32
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountBanned      = errors.New("this account has been suspended")
	ErrNameTaken          = errors.New("that username is already taken")
	ErrInvalidUsername    = errors.New("usernames may not be blank or contain whitespace")
	ErrPasswordShort      = errors.New("password is too short")
	ErrAccountNotFound    = errors.New("account not found")
)

// Indirection over the data package so that tests can simulate database failures.
var (
	findAccount         = data.FindAccountByUsername
	findUnscopedAccount = data.FindUnscopedAccount
	createAccount       = data.CreateAccount
	updateAccount       = data.UpdateAccount
	deleteAccount       = data.DeleteAccount
	purgeAccount        = data.PermanentlyDeleteAccount
	countAccounts       = data.CountAccounts
)

var hashCost = bcrypt.DefaultCost

// Manager is the only way accounts should be read or modified while the
// server is running. Accounts are cached by username; the accounts of
// logged in players are kept in the cache until they log out.
type Manager struct {
	db                *gorm.DB
	minPasswordLength int

	mu    sync.Mutex
	cache *accountCache
}

func NewManager(db *gorm.DB, minPasswordLength int, ttl time.Duration) *Manager {
	return &Manager{
		db:                db,
		minPasswordLength: minPasswordLength,
		cache:             newAccountCache(ttl),
	}
}

// lookup returns the cached account for username, loading it from the
// database if necessary. Callers must hold m.mu.
func (m *Manager) lookup(username string) (*data.Account, error) {
	username = data.NormalizeUsername(username)
	if cached, ok := m.cache.Get(username); ok {
		return cached, nil
	}

	account, err := findAccount(m.db, username)
	if err != nil || account == nil {
		return nil, err
	}
	m.cache.Put(account)
	return account, nil
}

// Find returns a copy of the account registered under username, or nil if
// there is none.
func (m *Manager) Find(username string) (*data.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, err := m.lookup(username)
	if err != nil || account == nil {
		return nil, err
	}
	found := *account
	return &found, nil
}

// Verify checks the specified credentials and validates that the account
// is allowed to log in.
func (m *Manager) Verify(username, password string) (*data.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, err := m.lookup(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	if account == nil || !CheckPassword(account.Password, password) {
		return nil, ErrInvalidCredentials
	} else if account.Banned {
		return nil, ErrAccountBanned
	}

	verified := *account
	return &verified, nil
}

// Register creates a regular account for a player.
func (m *Manager) Register(username, password string) (*data.Account, error) {
	return m.Create(username, password, false)
}

// Create takes the specified credentials and creates a new record in the
// database, returning either the result or any errors encountered.
func (m *Manager) Create(username, password string, admin bool) (*data.Account, error) {
	username = data.NormalizeUsername(username)
	if !ValidUsername(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < m.minPasswordLength {
		return nil, ErrPasswordShort
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Soft deleted accounts still hold on to their names.
	existing, err := findUnscopedAccount(m.db, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	} else if existing != nil {
		return nil, ErrNameTaken
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	account := &data.Account{
		Username:         username,
		Password:         hash,
		Admin:            admin,
		RegistrationDate: time.Now().UTC(),
	}
	if err := createAccount(m.db, account); err != nil {
		return nil, err
	}
	m.cache.Put(account)

	created := *account
	return &created, nil
}

// EnsureAdmin creates an administrator account with the given password if no
// accounts exist yet, reporting whether it did so.
func (m *Manager) EnsureAdmin(password string) (bool, error) {
	count, err := countAccounts(m.db)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if _, err := m.Create(DefaultAdminName, password, true); err != nil {
		return false, err
	}
	return true, nil
}

// update applies fn to the cached account and persists it if fn reports a change.
func (m *Manager) update(username string, fn func(account *data.Account) (bool, error)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, err := m.lookup(username)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnknown, err)
	} else if account == nil {
		return false, ErrAccountNotFound
	}

	previous := *account
	changed, err := fn(account)
	if err != nil || !changed {
		*account = previous
		return false, err
	}
	if err := updateAccount(m.db, account); err != nil {
		*account = previous
		return false, err
	}
	return true, nil
}

// ChangePassword replaces the password of an existing account.
func (m *Manager) ChangePassword(username, password string) error {
	if len(password) < m.minPasswordLength {
		return ErrPasswordShort
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	_, err = m.update(username, func(account *data.Account) (bool, error) {
		account.Password = hash
		return true, nil
	})
	return err
}

// SetBanned sets the banned flag of an account, reporting whether it changed.
func (m *Manager) SetBanned(username string, banned bool) (bool, error) {
	return m.update(username, func(account *data.Account) (bool, error) {
		if account.Banned == banned {
			return false, nil
		}
		account.Banned = banned
		return true, nil
	})
}

// SetAdmin sets the administrator flag of an account, reporting whether it changed.
func (m *Manager) SetAdmin(username string, admin bool) (bool, error) {
	return m.update(username, func(account *data.Account) (bool, error) {
		if account.Admin == admin {
			return false, nil
		}
		account.Admin = admin
		return true, nil
	})
}

// Delete removes an account. Soft deleted accounts keep their username reserved.
func (m *Manager) Delete(username string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	username = data.NormalizeUsername(username)
	account, err := findUnscopedAccount(m.db, username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	} else if account == nil {
		return ErrAccountNotFound
	}

	if permanent {
		err = purgeAccount(m.db, account)
	} else {
		err = deleteAccount(m.db, account)
	}
	if err != nil {
		return err
	}
	m.cache.Delete(username)
	return nil
}

// SetSticky pins the account in the cache while its player is logged in and
// lets it expire normally afterwards.
func (m *Manager) SetSticky(username string, sticky bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Pin(data.NormalizeUsername(username), sticky)
}

// ValidUsername reports whether a normalized username can be registered.
func ValidUsername(username string) bool {
	if username == "" || len(username) > MaxUsernameLength {
		return false
	}
	return strings.IndexFunc(username, unicode.IsSpace) < 0
}

// HashPassword returns a version of password with TTTWorld's chosen hashing strategy.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches a hash created by HashPassword.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
