package sso

import (
	"time"

	"github.com/google/uuid"
)

// Credential is one contributed character authorization. SessionID
// identifies the contribution session so a re-contribution replaces the
// old grant cleanly.
type Credential struct {
	CharacterID   int64
	CorporationID int64
	SessionID     uuid.UUID
	AccessToken   string
	RefreshToken  string
	Expiry        time.Time
	Scopes        []string
	Revoked       bool
	UpdatedAt     time.Time
}

// NewCredential registers a fresh contribution with a new session id.
func NewCredential(characterID, corporationID int64, refreshToken string, scopes []string) Credential {
	return Credential{
		CharacterID:   characterID,
		CorporationID: corporationID,
		SessionID:     uuid.New(),
		RefreshToken:  refreshToken,
		Scopes:        scopes,
	}
}

// HasScope reports whether the credential was granted the named scope.
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
