package auth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// errEmptyUser means the body decoded but carried no user fields.
var errEmptyUser = errors.New("empty user")

// User is the backend's account record. Raw keeps the exact JSON so fields
// this package does not know about survive a round trip through the cache.
type User struct {
	ID        string `json:"_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`

	Raw json.RawMessage `json:"-"`
}

// parseUser accepts either {"user": {...}} or the user object itself. A null
// or empty object is reported as errEmptyUser.
func parseUser(body []byte) (*User, error) {
	var envelope struct {
		User json.RawMessage `json:"user"`
	}
	raw := body
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.User) > 0 {
		raw = envelope.User
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("decode user: %w", errEmptyUser)
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	u.Raw = append(json.RawMessage(nil), raw...)
	return &u, nil
}

// Name returns "First Last", or the email when both are empty.
func (u *User) Name() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "" || u.LastName != "":
		return u.FirstName + u.LastName
	}
	return u.Email
}
