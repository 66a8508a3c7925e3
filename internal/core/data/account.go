package data

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Account contains the login information specific to each registered user.
type Account struct {
	ID uint64 `gorm:"primaryKey"`
	// Usernames are stored lowercase so that lookups are case-insensitive.
	Username         string `gorm:"unique; not null"`
	Password         string `gorm:"not null"`
	RegistrationDate time.Time
	Admin            bool `gorm:"default:false"`
	Banned           bool `gorm:"default:false"`
	DeletedAt        gorm.DeletedAt
}

// NormalizeUsername returns the form in which a username is stored.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func FindAccountByID(db *gorm.DB, id uint64) (*Account, error) {
	var account Account
	err := db.First(&account, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// FindAccountByUsername searches for an account with the specified username, returning the
// *Account instance if found or nil if there is no match.
func FindAccountByUsername(db *gorm.DB, username string) (*Account, error) {
	var account Account
	err := db.Where("username = ?", NormalizeUsername(username)).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// FindUnscopedAccount searches for a potentially soft-deleted account with the
// specified username, returning the *Account instance if found or nil if
// there is no match.
func FindUnscopedAccount(db *gorm.DB, username string) (*Account, error) {
	var account Account
	err := db.Unscoped().Where("username = ?", NormalizeUsername(username)).First(&account).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

// CountAccounts returns the number of accounts that have not been deleted.
func CountAccounts(db *gorm.DB) (int64, error) {
	var count int64
	err := db.Model(&Account{}).Count(&count).Error
	return count, err
}

// CreateAccount persists the Account record to the database.
func CreateAccount(db *gorm.DB, account *Account) error {
	account.Username = NormalizeUsername(account.Username)
	return db.Create(account).Error
}

// UpdateAccount writes every field of an existing Account back to the database.
func UpdateAccount(db *gorm.DB, account *Account) error {
	return db.Save(account).Error
}

// DeleteAccount soft-deletes an Account record from the database.
func DeleteAccount(db *gorm.DB, account *Account) error {
	return db.Delete(account).Error
}

// PermanentlyDeleteAccount permanently deletes an Account record from the database.
func PermanentlyDeleteAccount(db *gorm.DB, account *Account) error {
	return db.Unscoped().Delete(account).Error
}
