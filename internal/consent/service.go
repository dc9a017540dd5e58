package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"w3bauth.org/internal/audit"
	"w3bauth.org/internal/obs"
	"w3bauth.org/internal/siwe"
)

// Audit event names emitted by SubmitProof.
const (
	EventConsentGranted  = "auth.consent.granted"
	EventConsentDeclined = "auth.consent.declined"
)

// Service runs the sign-in protocol: client lookup, challenge, proof.
// It holds no per-request state; every call is independent.
type Service struct {
	clients  ClientRegistry
	consents Store
	emit     func(ctx context.Context, event string, fields map[string]any) error
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithEventSink overrides where audit events go (audit.LogEvent by default).
func WithEventSink(fn func(ctx context.Context, event string, fields map[string]any) error) ServiceOption {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("consent: nil event sink")
		}
		s.emit = fn
		return nil
	}
}

// NewService wires the registry and store the protocol depends on.
func NewService(clients ClientRegistry, consents Store, opts ...ServiceOption) (*Service, error) {
	if clients == nil || consents == nil {
		return nil, errors.New("consent: client registry and consent store are required")
	}
	svc := &Service{
		clients:  clients,
		consents: consents,
		emit:     audit.LogEvent,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RequestApp returns the display metadata for clientID, or ErrNotFound.
func (s *Service) RequestApp(ctx context.Context, clientID string) (ClientApplication, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ClientApplication{}, fmt.Errorf("%w: clientId is required", ErrInvalidInput)
	}
	app, err := s.clients.LookupClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ClientApplication{}, ErrNotFound
		}
		return ClientApplication{}, fmt.Errorf("lookup client: %w", err)
	}
	return app, nil
}

// Challenge is the message a wallet must sign.
type Challenge struct {
	Message string
	State   State
}

// RequestMessage builds the sign-in message for address.
func (s *Service) RequestMessage(address string) (Challenge, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Challenge{}, fmt.Errorf("%w: address must be a hex ethereum address", ErrInvalidInput)
	}
	return Challenge{Message: siwe.BuildSignInMessage(address), State: Challenged}, nil
}

// IssueNonce returns a fresh nonce. It is neither recorded nor bound into
// the sign-in message, so a signed message can be replayed.
func (s *Service) IssueNonce() (string, error) {
	return siwe.IssueNonce()
}

// Proof is a signed challenge plus the providers the user selected.
type Proof struct {
	Message   string
	Signature string
	ClientID  string
	Providers []string
}

// ProofResult describes an accepted proof.
type ProofResult struct {
	Address   common.Address
	State     State
	Providers []string
}

// SubmitProof verifies the signature and, when providers were selected,
// replaces the stored consent of the recovered address for the client.
// An empty selection is a decline: it succeeds and writes nothing.
func (s *Service) SubmitProof(ctx context.Context, p Proof) (ProofResult, error) {
	clientID := strings.TrimSpace(p.ClientID)
	switch {
	case p.Message == "":
		return ProofResult{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	case strings.TrimSpace(p.Signature) == "":
		return ProofResult{}, fmt.Errorf("%w: signature is required", ErrInvalidInput)
	case clientID == "":
		return ProofResult{}, fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	providers, err := NormalizeProviders(p.Providers)
	if err != nil {
		return ProofResult{}, err
	}

	addr, err := verifyProof(p.Message, p.Signature)
	if err != nil {
		obs.ObserveVerification(false)
		return ProofResult{}, err
	}
	obs.ObserveVerification(true)

	result := ProofResult{Address: addr, State: Verified}
	fields := map[string]any{
		"address":   addr.Hex(),
		"client_id": clientID,
	}
	if len(providers) == 0 {
		obs.ObserveConsent("declined")
		_ = s.emit(ctx, EventConsentDeclined, fields)
		return result, nil
	}

	if err := s.consents.UpsertConsent(ctx, addr.Hex(), clientID, providers); err != nil {
		obs.ObserveConsent("failed")
		return ProofResult{}, fmt.Errorf("upsert consent: %w", err)
	}
	obs.ObserveConsent("granted")
	fields["providers"] = providers
	_ = s.emit(ctx, EventConsentGranted, fields)

	result.State = Authorized
	result.Providers = providers
	return result, nil
}

// UserClient returns the consent stored for address and clientID.
func (s *Service) UserClient(ctx context.Context, address, clientID string) (Record, error) {
	address = strings.TrimSpace(address)
	clientID = strings.TrimSpace(clientID)
	if !common.IsHexAddress(address) {
		return Record{}, fmt.Errorf("%w: address must be a hex ethereum address", ErrInvalidInput)
	}
	if clientID == "" {
		return Record{}, fmt.Errorf("%w: clientId is required", ErrInvalidInput)
	}
	rec, err := s.consents.Consent(ctx, common.HexToAddress(address).Hex(), clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load consent: %w", err)
	}
	return rec, nil
}

// verifyProof recovers the signer and checks it is the address the message
// was issued for.
func verifyProof(message, signature string) (common.Address, error) {
	sig, err := siwe.DecodeSignature(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	addr, err := siwe.Verify(message, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	claimed, ok := siwe.ParseSignInMessage(message)
	if !ok || !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != addr {
		return common.Address{}, fmt.Errorf("%w: signer does not match the message address", ErrSignature)
	}
	return addr, nil
}
