package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/crypto/bcrypt"
)

// Security is a basic-auth credential that endpoints and permissions refer to.
// Only the bcrypt hash of the password is kept.
type Security struct {
	ID           int64     `json:"id" db:"id" yaml:"id"`
	Name         string    `json:"name" db:"name" yaml:"name"`
	Username     string    `json:"username" db:"username" yaml:"username"`
	PasswordHash string    `json:"-" db:"password_hash" yaml:"-"`
	IsActive     bool      `json:"is_active" db:"is_active" yaml:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at" yaml:"created_at"`
}

// TableName returns the database table name for Security.
func (s Security) TableName() string {
	return tablePrefix + "security"
}

// NewSecurity creates an active credential, hashing password with bcrypt.
func NewSecurity(name, username, password string) (Security, error) {
	s := Security{
		Name:      name,
		Username:  username,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SetPassword(password); err != nil {
		return Security{}, err
	}
	return s, nil
}

// SetPassword replaces the stored hash.
func (s *Security) SetPassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (s Security) CheckPassword(password string) bool {
	if s.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) == nil
}

// Validate checks required fields.
func (s Security) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&s.Username, validation.Required, validation.Length(1, 200)),
		validation.Field(&s.PasswordHash, validation.Required),
	)
}

// ErrEmptyPassword is returned when a credential is created without a password.
var ErrEmptyPassword = DomainError{Code: "EMPTY_PASSWORD", Message: "password must not be empty"}
