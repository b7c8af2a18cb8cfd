package types

import "fmt"

// Session is the explicit wallet session passed to every coordination call
type Session struct {
	Address   Address `json:"address"`
	Role      Role    `json:"role"`
	RequestID string  `json:"requestId,omitempty"`
}

// NewSession builds a session for an address resolved to role
func NewSession(address Address, role Role) *Session {
	return &Session{Address: address, Role: role}
}

// Connected reports whether the session carries a wallet
func (s *Session) Connected() bool {
	return s != nil && !s.Address.IsZero()
}

// Require checks that the session is connected and, when roles are given,
// that its role is one of them.
func (s *Session) Require(op string, roles ...Role) error {
	if !s.Connected() {
		return NewNotConnectedError(op)
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if s.Role == r {
			return nil
		}
	}
	return NewUnauthorizedError(op, s.Address.String(), fmt.Sprintf("operation requires role %v", roles))
}

// SessionClaims are the session token claims carried by API requests
type SessionClaims struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role,omitempty"`
}
