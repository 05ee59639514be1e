package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProxyCredential is a cookie the authentication server registered on the
// user's behalf for another service.
type ProxyCredential struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Host  string `json:"host"`
}

// ParseProxyCredential parses a "241 name=value host" response line.
func ParseProxyCredential(line string) (ProxyCredential, error) {
	if len(line) < 4 {
		return ProxyCredential{}, fmt.Errorf("proxy cookie line too short: %q", line)
	}
	body := line[4:]
	eq := strings.Index(body, "=")
	sp := strings.LastIndex(body, " ")
	if eq <= 0 || sp <= eq {
		return ProxyCredential{}, fmt.Errorf("proxy cookie line malformed: %q", line)
	}
	return ProxyCredential{
		Name:  body[:eq],
		Value: body[eq+1 : sp],
		Host:  body[sp+1:],
	}, nil
}

// Identity is the validated user record kept for a session.
type Identity struct {
	Name          string            `json:"name"`
	Address       string            `json:"address"`
	Realm         string            `json:"realm"`
	Factors       []string          `json:"factors,omitempty"`
	ProxyCookies  []ProxyCredential `json:"proxy_cookies,omitempty"`
	TicketCache   string            `json:"ticket_cache,omitempty"`
	LastValidated time.Time         `json:"last_validated"`
}

// IdentityFromCheck builds a candidate identity from a CHECK result.
func IdentityFromCheck(r *CheckResult) *Identity {
	return &Identity{
		Name:    r.Name,
		Address: r.Address,
		Realm:   r.Realm,
		Factors: slices.Clone(r.Factors),
	}
}

// Principal returns name@realm.
func (i *Identity) Principal() string {
	if i.Realm == "" {
		return i.Name
	}
	return i.Name + "@" + i.Realm
}

// IsValidated reports whether the identity carries a validation stamp.
func (i *Identity) IsValidated() bool {
	return !i.LastValidated.IsZero()
}

// IsFreshAt reports whether the last validation is still inside window.
func (i *Identity) IsFreshAt(now time.Time, window time.Duration) bool {
	return i.IsValidated() && now.Sub(i.LastValidated) < window
}

// Refresh overwrites the server-reported fields from candidate and stamps at.
// Secondary credentials are replaced only when candidate carries them.
func (i *Identity) Refresh(candidate *Identity, at time.Time) {
	i.Name = candidate.Name
	i.Address = candidate.Address
	i.Realm = candidate.Realm
	i.Factors = slices.Clone(candidate.Factors)
	if candidate.ProxyCookies != nil {
		i.ProxyCookies = slices.Clone(candidate.ProxyCookies)
	}
	if candidate.TicketCache != "" {
		i.TicketCache = candidate.TicketCache
	}
	i.LastValidated = at
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Factors = slices.Clone(i.Factors)
	c.ProxyCookies = slices.Clone(i.ProxyCookies)
	return &c
}
