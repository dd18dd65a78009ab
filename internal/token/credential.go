// Package token owns the Zoho credential: its persisted form, its expiry
// rules, and the Manager that keeps every process in agreement on it.
package token

import (
	"time"
)

// RefreshMargin is how long before expiry a credential stops being valid
// and the scheduled refresh fires.
const RefreshMargin = 5 * time.Minute

// Credential is an access token with its refresh token and absolute expiry.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scope        string    `json:"scope,omitempty"`
}

// Clone returns a copy of c. Nil-safe.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Expired reports whether the credential is no longer usable at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Grant is the backend's answer to a code exchange or refresh.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Credential converts g into a Credential expiring ExpiresIn seconds after now.
func (g *Grant) Credential(now time.Time) *Credential {
	return &Credential{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(g.ExpiresIn) * time.Second),
		Scope:        g.Scope,
	}
}

// Equal reports whether c and o describe the same credential. Nil-safe.
func (c *Credential) Equal(o *Credential) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.AccessToken == o.AccessToken &&
		c.RefreshToken == o.RefreshToken &&
		c.Scope == o.Scope &&
		c.ExpiresAt.Equal(o.ExpiresAt)
}
