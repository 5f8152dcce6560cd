// Package transaction persists pending authorize requests between the
// navigation to the provider and the callback that completes them.
package transaction

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ideamans/authsession/pkg/shared/kvs"
)

// DefaultTTL bounds how long a login may stay pending.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "tx:"

// ErrNotFound is returned when no pending transaction matches a state.
var ErrNotFound = errors.New("transaction: not found")

// Transaction is one pending authorize request.
type Transaction struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	Audience     string    `json:"audience,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	AppState     string    `json:"app_state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store keeps transactions in a kvs.Store.
type Store struct {
	kv  kvs.Store
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a transaction store. A ttl <= 0 uses DefaultTTL.
func NewStore(kv kvs.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl, now: time.Now}
}

// Options describe a new transaction.
type Options struct {
	RedirectURI string
	Audience    string
	Scopes      []string
	AppState    string
}

// Create generates state, nonce and PKCE verifier and persists the
// transaction.
func (s *Store) Create(ctx context.Context, opts Options) (*Transaction, error) {
	stateValue, err := randomString(32)
	if err != nil {
		return nil, err
	}
	nonce, err := randomString(32)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:           uuid.NewString(),
		State:        stateValue,
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		RedirectURI:  opts.RedirectURI,
		Audience:     opts.Audience,
		Scopes:       opts.Scopes,
		AppState:     opts.AppState,
		CreatedAt:    s.now(),
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("transaction: encode: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+tx.State, data, s.ttl); err != nil {
		return nil, fmt.Errorf("transaction: save: %w", err)
	}
	return tx, nil
}

// Take returns the transaction for state and removes it, so a callback can
// be redeemed once.
func (s *Store) Take(ctx context.Context, state string) (*Transaction, error) {
	if state == "" {
		return nil, ErrNotFound
	}
	key := keyPrefix + state
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvs.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction: load: %w", err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("transaction: delete: %w", err)
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("transaction: decode: %w", err)
	}
	return &tx, nil
}

// Discard removes a transaction that will never complete.
func (s *Store) Discard(ctx context.Context, state string) error {
	return s.kv.Delete(ctx, keyPrefix+state)
}

// Pending counts transactions that have not expired.
func (s *Store) Pending(ctx context.Context) (int, error) {
	return s.kv.Count(ctx, keyPrefix)
}

// randomString returns a URL-safe string of n random bytes.
func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("transaction: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
