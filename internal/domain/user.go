// Package domain contains the meeting entities and the rules that can be
// checked without any transport or timing concerns.
package domain

import "unicode/utf8"

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

type UserID string

// User is the identity handed to us by the authentication service.
// It is trusted as-is; we only bound its size.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id, name string) (*User, error) {
	if id == "" {
		return nil, NewInvalidField("user id is empty")
	}
	if len(id) > MaxUserIDLen {
		return nil, NewInvalidField("user id too long")
	}
	if err := ValidateDisplayName(name); err != nil {
		return nil, err
	}
	return &User{ID: UserID(id), Name: name}, nil
}

func ValidateDisplayName(name string) error {
	if name == "" {
		return NewInvalidField("display name is empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return NewInvalidField("display name too long")
	}
	return nil
}
