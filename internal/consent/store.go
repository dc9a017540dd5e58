package consent

import "context"

// ClientRegistry resolves client display metadata. It is never an
// authorization gate.
type ClientRegistry interface {
	LookupClient(ctx context.Context, clientID string) (ClientApplication, error)
}

// Store persists consent records.
//
// UpsertConsent must be atomic per (userAddress, clientID): concurrent
// writers never produce a mixed provider set, and the last committed write
// wins. An update replaces the stored providers, it does not merge them.
type Store interface {
	UpsertConsent(ctx context.Context, userAddress, clientID string, providers []string) error
	Consent(ctx context.Context, userAddress, clientID string) (Record, error)
}
