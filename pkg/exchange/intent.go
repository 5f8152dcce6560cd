package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/ideamans/authsession/pkg/shared/kvs"
)

const intentKey = "intent:authenticated"

// Intent remembers across restarts that the user signed in, so startup knows
// whether a provider session check is worth making.
type Intent struct {
	kv kvs.Store
}

// NewIntent stores the flag in kv.
func NewIntent(kv kvs.Store) *Intent {
	return &Intent{kv: kv}
}

// Mark records that the user is signed in.
func (i *Intent) Mark(ctx context.Context) error {
	return i.kv.Set(ctx, intentKey, []byte(time.Now().UTC().Format(time.RFC3339)), 0)
}

// Clear forgets the sign-in.
func (i *Intent) Clear(ctx context.Context) error {
	return i.kv.Delete(ctx, intentKey)
}

// Present reports whether the flag is set.
func (i *Intent) Present(ctx context.Context) (bool, error) {
	ok, err := i.kv.Exists(ctx, intentKey)
	if errors.Is(err, kvs.ErrNotFound) {
		return false, nil
	}
	return ok, err
}
