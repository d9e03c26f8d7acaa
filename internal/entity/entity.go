// Package entity defines typed references to the things risk is tracked
// against: tenants, sending connections and campaigns.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRef is returned when a kind/id pair cannot form a reference.
var ErrInvalidRef = errors.New("entity: invalid reference")

// Kind discriminates the entity a Ref points at.
type Kind string

const (
	KindTenant     Kind = "tenant"
	KindConnection Kind = "connection"
	KindCampaign   Kind = "campaign"
)

var knownKinds = map[Kind]struct{}{
	KindTenant:     {},
	KindConnection: {},
	KindCampaign:   {},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Ref identifies one entity. The zero value is not a valid reference.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Tenant returns a reference to a tenant.
func Tenant(id string) Ref { return Ref{Kind: KindTenant, ID: id} }

// Connection returns a reference to a sending connection.
func Connection(id string) Ref { return Ref{Kind: KindConnection, ID: id} }

// Campaign returns a reference to a campaign.
func Campaign(id string) Ref { return Ref{Kind: KindCampaign, ID: id} }

// Parse builds a Ref from its wire form, validating the kind.
func Parse(kind, id string) (Ref, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	id = strings.TrimSpace(id)
	if !k.Valid() {
		return Ref{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, kind)
	}
	if id == "" {
		return Ref{}, fmt.Errorf("%w: empty id", ErrInvalidRef)
	}
	return Ref{Kind: k, ID: id}, nil
}

// Valid reports whether the reference has a known kind and an id.
func (r Ref) Valid() bool {
	return r.Kind.Valid() && r.ID != ""
}

// Key is the canonical string used for locks, caches and map keys.
func (r Ref) Key() string {
	return string(r.Kind) + ":" + r.ID
}

func (r Ref) String() string { return r.Key() }
