package consent

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ClientApplication is the display metadata of a registered client.
type ClientApplication struct {
	ClientID string `json:"-"`
	Name     string `json:"name"`
	Logo     string `json:"logo"`
}

// Record links a user address and a client to the providers the user
// authorized.
type Record struct {
	UserAddress string
	ClientID    string
	Providers   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State is the position of a sign-in attempt in the SIWE protocol.
type State int

const (
	Unauthenticated State = iota
	Challenged
	Verified
	Authorized
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Challenged:
		return "challenged"
	case Verified:
		return "verified"
	case Authorized:
		return "authorized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NormalizeProviders turns a provider list into a set: entries are trimmed,
// duplicates are dropped and the result is sorted. Blank entries are
// rejected with ErrInvalidInput.
func NormalizeProviders(providers []string) ([]string, error) {
	if len(providers) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(providers))
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: provider identifiers must not be blank", ErrInvalidInput)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
