package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/TeamForge/internal/domain"
)

// Checksum returns the hex SHA-256 of the manifest's canonical JSON form.
// Nil and empty slices hash the same; map keys are sorted by encoding/json.
func Checksum(m *Manifest) string {
	c := canonical(m)
	b, err := json.Marshal(c)
	if err != nil {
		// Manifest holds only JSON-safe types.
		panic(fmt.Sprintf("agent: marshal canonical manifest: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify re-derives the checksum and compares it with the stored one.
func (a *Agent) Verify() error {
	if got := Checksum(&a.Manifest); got != a.Checksum {
		return fmt.Errorf("agent %s: stored %.12s, derived %.12s: %w", a.Key(), a.Checksum, got, domain.ErrChecksumMismatch)
	}
	return nil
}

func canonical(m *Manifest) Manifest {
	c := *m
	c.Transport = m.TransportOrDefault()
	c.Capabilities = make([]Capability, len(m.Capabilities))
	for i, cp := range m.Capabilities {
		cp.InputSchema.Required = orEmpty(cp.InputSchema.Required)
		if cp.InputSchema.Properties == nil {
			cp.InputSchema.Properties = map[string]Property{}
		}
		props := make(map[string]Property, len(cp.InputSchema.Properties))
		for k, p := range cp.InputSchema.Properties {
			p.Enum = orEmpty(p.Enum)
			props[k] = p
		}
		cp.InputSchema.Properties = props
		c.Capabilities[i] = cp
	}
	c.Policy.AllowedDomains = orEmpty(m.Policy.AllowedDomains)
	c.Dependencies = orEmpty(m.Dependencies)
	c.CredentialServices = orEmpty(m.CredentialServices)
	return c
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
