package consent

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"

	"w3bauth.org/internal/siwe"
)

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) emit(_ context.Context, event string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, fields: fields})
	return nil
}

type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) UpsertConsent(context.Context, string, string, []string) error {
	f.calls++
	return f.err
}

func (f *failingStore) Consent(context.Context, string, string) (Record, error) {
	return Record{}, f.err
}

type wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

func newTestService(t *testing.T) (*Service, *Memory, *eventRecorder) {
	t.Helper()
	mem := NewMemory()
	mem.PutClient(ClientApplication{ClientID: "app1", Name: "Demo", Logo: "https://demo.example/logo.png"})
	rec := &eventRecorder{}
	svc, err := NewService(mem, mem, WithEventSink(rec.emit))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, mem, rec
}

func TestEndToEndConsent(t *testing.T) {
	ctx := context.Background()
	svc, mem, rec := newTestService(t)
	w := newWallet(t)

	app, err := svc.RequestApp(ctx, "app1")
	if err != nil {
		t.Fatalf("RequestApp: %v", err)
	}
	if app.Name != "Demo" {
		t.Fatalf("unexpected app: %+v", app)
	}

	challenge, err := svc.RequestMessage(w.addr.Hex())
	if err != nil {
		t.Fatalf("RequestMessage: %v", err)
	}
	if challenge.State != Challenged {
		t.Fatalf("expected challenged state, got %v", challenge.State)
	}
	if challenge.Message != siwe.BuildSignInMessage(w.addr.Hex()) {
		t.Fatalf("unexpected message %q", challenge.Message)
	}

	res, err := svc.SubmitProof(ctx, Proof{
		Message:   challenge.Message,
		Signature: w.sign(t, challenge.Message),
		ClientID:  "app1",
		Providers: []string{"Metapebble"},
	})
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if res.State != Authorized || res.Address != w.addr {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, err := mem.Consent(ctx, w.addr.Hex(), "app1")
	if err != nil {
		t.Fatalf("Consent: %v", err)
	}
	if diff := cmp.Diff([]string{"Metapebble"}, stored.Providers); diff != "" {
		t.Fatalf("stored providers mismatch (-want +got):\n%s", diff)
	}
	if len(rec.events) != 1 || rec.events[0].name != EventConsentGranted {
		t.Fatalf("expected one granted event, got %+v", rec.events)
	}
}

func TestRequestAppUnknownClient(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.RequestApp(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.RequestApp(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRequestMessageValidatesAddress(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, in := range []string{"", "0x123", "not-an-address"} {
		if _, err := svc.RequestMessage(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("RequestMessage(%q): expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestSubmitProofEmptyProvidersIsDecline(t *testing.T) {
	ctx := context.Background()
	svc, mem, rec := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())

	res, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: w.sign(t, msg), ClientID: "app1"})
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if res.State != Verified {
		t.Fatalf("expected verified state, got %v", res.State)
	}
	if _, err := mem.Consent(ctx, w.addr.Hex(), "app1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("decline must not persist, got %v", err)
	}
	if mem.Len() != 0 {
		t.Fatalf("store touched: %d records", mem.Len())
	}
	if len(rec.events) != 1 || rec.events[0].name != EventConsentDeclined {
		t.Fatalf("expected one declined event, got %+v", rec.events)
	}
}

func TestSubmitProofDeclineKeepsPriorConsent(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())
	sig := w.sign(t, msg)

	if _, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: sig, ClientID: "app1", Providers: []string{"X"}}); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if _, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: sig, ClientID: "app1", Providers: []string{}}); err != nil {
		t.Fatalf("SubmitProof decline: %v", err)
	}
	stored, err := mem.Consent(ctx, w.addr.Hex(), "app1")
	if err != nil {
		t.Fatalf("Consent: %v", err)
	}
	if diff := cmp.Diff([]string{"X"}, stored.Providers); diff != "" {
		t.Fatalf("decline changed stored providers (-want +got):\n%s", diff)
	}
}

func TestSubmitProofReplacesProviders(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())
	sig := w.sign(t, msg)

	for _, providers := range [][]string{{"X"}, {"Y"}} {
		if _, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: sig, ClientID: "app1", Providers: providers}); err != nil {
			t.Fatalf("SubmitProof(%v): %v", providers, err)
		}
	}
	stored, err := mem.Consent(ctx, w.addr.Hex(), "app1")
	if err != nil {
		t.Fatalf("Consent: %v", err)
	}
	if diff := cmp.Diff([]string{"Y"}, stored.Providers); diff != "" {
		t.Fatalf("providers must be replaced, not merged (-want +got):\n%s", diff)
	}
}

// The nonce is not bound into the message and nothing tracks use, so a
// captured proof is accepted again.
func TestSubmitProofAcceptsReplayedProof(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	w := newWallet(t)

	if _, err := svc.IssueNonce(); err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	msg := siwe.BuildSignInMessage(w.addr.Hex())
	proof := Proof{Message: msg, Signature: w.sign(t, msg), ClientID: "app1", Providers: []string{"Metapebble"}}

	for i := 0; i < 3; i++ {
		if _, err := svc.SubmitProof(ctx, proof); err != nil {
			t.Fatalf("replay %d rejected: %v", i, err)
		}
	}
}

func TestSubmitProofRejectsSingleBitMutations(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())
	sigHex := w.sign(t, msg)
	sig, _ := hexutil.Decode(sigHex)

	for bit := 0; bit < len(sig)*8; bit++ {
		mutated := append([]byte(nil), sig...)
		mutated[bit/8] ^= 1 << (bit % 8)
		_, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: hexutil.Encode(mutated), ClientID: "app1", Providers: []string{"X"}})
		if !errors.Is(err, ErrSignature) {
			t.Fatalf("signature bit %d: expected ErrSignature, got %v", bit, err)
		}
	}

	raw := []byte(msg)
	for bit := 0; bit < len(raw)*8; bit++ {
		mutated := append([]byte(nil), raw...)
		mutated[bit/8] ^= 1 << (bit % 8)
		_, err := svc.SubmitProof(ctx, Proof{Message: string(mutated), Signature: sigHex, ClientID: "app1", Providers: []string{"X"}})
		if !errors.Is(err, ErrSignature) {
			t.Fatalf("message bit %d: expected ErrSignature, got %v", bit, err)
		}
	}
	if mem.Len() != 0 {
		t.Fatalf("rejected proofs must not persist, have %d records", mem.Len())
	}
}

func TestSubmitProofRejectsForeignSigner(t *testing.T) {
	svc, _, _ := newTestService(t)
	victim := newWallet(t)
	attacker := newWallet(t)
	msg := siwe.BuildSignInMessage(victim.addr.Hex())

	_, err := svc.SubmitProof(context.Background(), Proof{Message: msg, Signature: attacker.sign(t, msg), ClientID: "app1", Providers: []string{"X"}})
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestSubmitProofValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())
	sig := w.sign(t, msg)

	cases := map[string]Proof{
		"missing message":   {Signature: sig, ClientID: "app1"},
		"missing signature": {Message: msg, ClientID: "app1"},
		"missing client":    {Message: msg, Signature: sig, ClientID: "  "},
		"blank provider":    {Message: msg, Signature: sig, ClientID: "app1", Providers: []string{"X", " "}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.SubmitProof(context.Background(), p); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := svc.SubmitProof(context.Background(), Proof{Message: msg, Signature: "0xnothex", ClientID: "app1"}); !errors.Is(err, ErrSignature) {
		t.Fatalf("undecodable signature: expected ErrSignature, got %v", err)
	}
}

func TestSubmitProofPropagatesStoreError(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("connection reset")
	store := &failingStore{err: boom}
	svc, err := NewService(mem, store, WithEventSink((&eventRecorder{}).emit))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())

	_, err = svc.SubmitProof(context.Background(), Proof{Message: msg, Signature: w.sign(t, msg), ClientID: "app1", Providers: []string{"X"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
	if errors.Is(err, ErrSignature) || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("store error must not look like a client error: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", store.calls)
	}
}

func TestSubmitProofNormalizesProviders(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())

	res, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: w.sign(t, msg), ClientID: "app1", Providers: []string{"b", "a", "b"}})
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, res.Providers); diff != "" {
		t.Fatalf("result providers (-want +got):\n%s", diff)
	}
	stored, _ := mem.Consent(ctx, w.addr.Hex(), "app1")
	if diff := cmp.Diff([]string{"a", "b"}, stored.Providers); diff != "" {
		t.Fatalf("stored providers (-want +got):\n%s", diff)
	}
}

func TestUserClient(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	w := newWallet(t)
	msg := siwe.BuildSignInMessage(w.addr.Hex())

	if _, err := svc.UserClient(ctx, w.addr.Hex(), "app1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before consent, got %v", err)
	}
	if _, err := svc.SubmitProof(ctx, Proof{Message: msg, Signature: w.sign(t, msg), ClientID: "app1", Providers: []string{"Metapebble"}}); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}

	// lower-case input resolves to the checksummed key.
	rec, err := svc.UserClient(ctx, hexutil.Encode(w.addr.Bytes()), "app1")
	if err != nil {
		t.Fatalf("UserClient: %v", err)
	}
	if rec.UserAddress != w.addr.Hex() {
		t.Fatalf("unexpected user address %q", rec.UserAddress)
	}
	if _, err := svc.UserClient(ctx, "bogus", "app1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(nil, NewMemory()); err == nil {
		t.Fatal("expected error without registry")
	}
	if _, err := NewService(NewMemory(), nil); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		Unauthenticated: "unauthenticated",
		Challenged:      "challenged",
		Verified:        "verified",
		Authorized:      "authorized",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("%d.String() = %q, want %q", int(s), s.String(), name)
		}
	}
}
