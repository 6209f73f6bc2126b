package varstate

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/fpang/album-poster/internal/store"
)

// ErrNameCollision is returned when a variable already holds state of another
// album key that sanitizes to the same variable name, e.g. accounts
// "travel-photos" and "travel_photos".
var ErrNameCollision = fmt.Errorf("%w: variable name shared with another album", store.ErrInvalidKey)

// ownedFailed is the stored form of a failed position. Failed entries carry
// no owner of their own, so the variable backend stamps one on write.
type ownedFailed struct {
	store.FailedPosition
	Account string `json:"account,omitempty"`
	AlbumID string `json:"album_id,omitempty"`
}

func stampFailed(key store.Key, failed []store.FailedPosition) []ownedFailed {
	out := make([]ownedFailed, 0, len(failed))
	for _, f := range failed {
		out = append(out, ownedFailed{FailedPosition: f, Account: key.Account, AlbumID: key.AlbumID})
	}
	return out
}

// foreignOwner returns the first owner recorded in value that is not key.
// Records without an owner are legacy data and belong to whoever reads them.
func foreignOwner(key store.Key, value string) (store.Key, bool) {
	if value == "" || !gjson.Valid(value) {
		return store.Key{}, false
	}
	check := func(r gjson.Result) (store.Key, bool) {
		owner := store.Key{Account: r.Get("account").String(), AlbumID: r.Get("album_id").String()}
		if owner.Account != "" && owner.Account != key.Account {
			return owner, true
		}
		if owner.AlbumID != "" && owner.AlbumID != key.AlbumID {
			return owner, true
		}
		return store.Key{}, false
	}
	res := gjson.Parse(value)
	if res.IsObject() {
		return check(res)
	}
	for _, el := range res.Array() {
		if !el.IsObject() {
			continue
		}
		if owner, ok := check(el); ok {
			return owner, true
		}
	}
	return store.Key{}, false
}

// claim binds a variable name to key for the life of the adapter, after
// checking that value (the current content) holds no other key's state.
func (a *Adapter) claim(key store.Key, name, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, ok := a.owners[name]; ok {
		if owner != key {
			return fmt.Errorf("variable %s is used by %s, not %s: %w", name, owner, key, ErrNameCollision)
		}
		return nil
	}
	if owner, ok := foreignOwner(key, value); ok {
		return fmt.Errorf("variable %s holds state of %s, not %s: %w", name, owner, key, ErrNameCollision)
	}
	a.owners[name] = key
	return nil
}

func (a *Adapter) claimed(key store.Key, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[name]
	return ok && owner == key
}
