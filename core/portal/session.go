package portal

import "github.com/pkg/errors"

var ErrNoSession = errors.New("no session")

// Session identifies the signed-in user. It is passed explicitly to every
// operation acting on the user's behalf.
type Session struct {
	UserID string `json:"sub"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

func (s Session) Valid() error {
	if s.UserID == "" {
		return ErrNoSession
	}
	return nil
}

func (s Session) DisplayName() string {
	if s.Name == "" {
		return UnknownUserName
	}
	return s.Name
}
