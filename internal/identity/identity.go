// Package identity decides whether a set of candidate identifiers denotes a
// person already known to the system.
package identity

import (
	"context"
	"errors"
	"strings"
)

// Kind tags which field of a Person a Key is compared against.
type Kind string

const (
	KindAccount  Kind = "account"
	KindEmail    Kind = "email"
	KindExternal Kind = "external"
)

var ErrNotFound = errors.New("identity not found")

// Key is one candidate identifier.
type Key struct {
	Kind  Kind
	Value string
}

func AccountKey(value string) Key  { return Key{Kind: KindAccount, Value: value} }
func EmailKey(value string) Key    { return Key{Kind: KindEmail, Value: value} }
func ExternalKey(value string) Key { return Key{Kind: KindExternal, Value: value} }

// Person is a verified identity. At least one of the three keys is set.
type Person struct {
	AccountID   string
	DisplayName string
	Email       string
	ExternalID  string
}

// Keys returns every non-empty identifier the person carries.
func (p Person) Keys() Set {
	return NewSet(AccountKey(p.AccountID), EmailKey(p.Email), ExternalKey(p.ExternalID))
}

// Set is a normalized collection of candidate keys, at most one per kind.
// Blank values are dropped and emails are lower-cased.
type Set []Key

func NewSet(keys ...Key) Set {
	set := make(Set, 0, len(keys))
	for _, key := range keys {
		value := normalize(key.Kind, key.Value)
		if value == "" {
			continue
		}
		replaced := false
		for i := range set {
			if set[i].Kind == key.Kind {
				set[i].Value = value
				replaced = true
			}
		}
		if !replaced {
			set = append(set, Key{Kind: key.Kind, Value: value})
		}
	}
	return set
}

func (s Set) Empty() bool {
	return len(s) == 0
}

// Value returns the normalized value stored for kind, or "".
func (s Set) Value(kind Kind) string {
	for _, key := range s {
		if key.Kind == kind {
			return key.Value
		}
	}
	return ""
}

// Matches reports whether any key in keys identifies p.
func Matches(p Person, keys Set) bool {
	for _, key := range keys {
		if key.Value == "" {
			continue
		}
		switch key.Kind {
		case KindAccount:
			if p.AccountID != "" && p.AccountID == key.Value {
				return true
			}
		case KindEmail:
			if p.Email != "" && strings.EqualFold(p.Email, key.Value) {
				return true
			}
		case KindExternal:
			if p.ExternalID != "" && normalizeExternal(p.ExternalID) == key.Value {
				return true
			}
		}
	}
	return false
}

// Directory returns people whose fields match any of the given keys.
type Directory interface {
	LookupPeople(ctx context.Context, keys Set) ([]Person, error)
}

type Resolver struct {
	directory Directory
}

func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve returns the first known person matching any key. It has no side
// effects; ErrNotFound means the identity is not registered yet.
func (r *Resolver) Resolve(ctx context.Context, keys Set) (Person, error) {
	if keys.Empty() {
		return Person{}, ErrNotFound
	}
	candidates, err := r.directory.LookupPeople(ctx, keys)
	if err != nil {
		return Person{}, err
	}
	for _, candidate := range candidates {
		if Matches(candidate, keys) {
			return candidate, nil
		}
	}
	return Person{}, ErrNotFound
}

func normalize(kind Kind, value string) string {
	value = strings.TrimSpace(value)
	switch kind {
	case KindEmail:
		return strings.ToLower(value)
	case KindExternal:
		return normalizeExternal(value)
	default:
		return value
	}
}

// normalizeExternal accepts both bare ORCID iDs and their https://orcid.org/ form.
func normalizeExternal(value string) string {
	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	for _, prefix := range []string{"https://orcid.org/", "http://orcid.org/", "orcid.org/"} {
		if strings.HasPrefix(lower, prefix) {
			value = value[len(prefix):]
			break
		}
	}
	return strings.ToUpper(value)
}
