// Package secrets provides a thread-safe secret vault with hot reload support.
// Credential records reference vault entries by name; raw values leave the
// vault only as credential.Secret.
package secrets

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/Strob0t/TeamForge/internal/domain/credential"
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
// Values stored with Put (rotated refresh tokens) survive Reload until the
// loader itself starts returning a new value for that ref.
type Vault struct {
	mu      sync.RWMutex
	values  map[string]string
	rotated map[string]rotation
	loader  Loader
}

// rotation remembers what the loader said when a ref was overwritten.
type rotation struct {
	loaded string
	value  string
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	if vals == nil {
		vals = make(map[string]string)
	}
	return &Vault{
		values:  vals,
		rotated: make(map[string]rotation),
		loader:  loader,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Secret returns the value behind ref as an opaque credential.Secret.
func (v *Vault) Secret(ref string) (credential.Secret, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[ref]
	if !ok || val == "" {
		return "", false
	}
	return credential.Secret(val), true
}

// Put stores a value under ref, e.g. a rotated refresh token.
// The value outlives Reload until the loader returns something new for ref.
func (v *Vault) Put(ref string, s credential.Secret) {
	v.mu.Lock()
	defer v.mu.Unlock()
	loaded := v.values[ref]
	if r, ok := v.rotated[ref]; ok {
		loaded = r.loaded
	}
	v.rotated[ref] = rotation{loaded: loaded, value: s.Reveal()}
	v.values[ref] = s.Reveal()
}

// Keys returns the names of all loaded secrets, sorted.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Sorted(maps.Keys(v.values))
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	if newVals == nil {
		newVals = make(map[string]string)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for ref, r := range v.rotated {
		if newVals[ref] != r.loaded {
			delete(v.rotated, ref)
			continue
		}
		newVals[ref] = r.value
	}
	v.values = newVals
	return nil
}

// Redacted returns a masked form of the secret at key: the first two
// characters followed by ****, or **** for values of four characters or less.
func (v *Vault) Redacted(key string) string {
	return mask(v.Get(key))
}

// RedactString masks every secret value that occurs in s. Values shorter
// than four characters are left alone.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= 4:
		return "****"
	default:
		return val[:2] + "****"
	}
}
