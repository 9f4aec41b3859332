package agent

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/Strob0t/TeamForge/internal/domain"
)

var (
	slugRe   = regexp.MustCompile(`^[a-z0-9-]+$`)
	semverRe = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)
	hostRe = regexp.MustCompile(`^(\*\.)?[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)
)

// ValidSlug reports whether s is a valid agent id.
func ValidSlug(s string) bool { return slugRe.MatchString(s) }

// ValidVersion reports whether s is a semantic version.
func ValidVersion(s string) bool { return semverRe.MatchString(s) }

// Validate checks the manifest structure. All violations are reported together
// as domain.ValidationErrors.
func (m *Manifest) Validate() error {
	var errs domain.ValidationErrors

	if !ValidSlug(m.AgentID) {
		errs.Add("agent_id", "must match ^[a-z0-9-]+$, got %q", m.AgentID)
	}
	if !ValidVersion(m.Version) {
		errs.Add("version", "must be a semantic version, got %q", m.Version)
	}
	if m.Name == "" {
		errs.Add("name", "is required")
	}

	if len(m.Capabilities) == 0 {
		errs.Add("capabilities", "must not be empty")
	}
	seen := make(map[string]bool, len(m.Capabilities))
	for i, c := range m.Capabilities {
		f := fmt.Sprintf("capabilities[%d]", i)
		if c.Name == "" {
			errs.Add(f+".name", "is required")
		} else if seen[c.Name] {
			errs.Add(f+".name", "duplicate capability %q", c.Name)
		}
		seen[c.Name] = true
		c.InputSchema.validate(f+".input_schema", &errs)
	}

	m.Policy.validate(&errs)

	for i, d := range m.Dependencies {
		f := fmt.Sprintf("dependencies[%d]", i)
		switch {
		case !ValidSlug(d):
			errs.Add(f, "must be an agent id, got %q", d)
		case d == m.AgentID:
			errs.Add(f, "agent cannot depend on itself")
		}
	}

	services := make(map[string]bool, len(m.CredentialServices))
	for i, s := range m.CredentialServices {
		f := fmt.Sprintf("credential_services[%d]", i)
		if s == "" {
			errs.Add(f, "is empty")
		} else if services[s] {
			errs.Add(f, "duplicate service %q", s)
		}
		services[s] = true
	}

	switch m.TransportOrDefault() {
	case TransportHTTP:
		if u, err := url.Parse(m.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Add("endpoint", "must be an http(s) URL for the http transport")
		}
	case TransportNATS:
		if m.Endpoint == "" {
			errs.Add("endpoint", "must be a subject for the nats transport")
		}
	default:
		errs.Add("transport", "unknown transport %q", m.Transport)
	}

	return errs.Err()
}

func (p Policy) validate(errs *domain.ValidationErrors) {
	if p.RateLimitPerMinute < 0 {
		errs.Add("policy.rate_limit_per_minute", "must be non-negative")
	}
	if p.MaxConcurrentExecutions < 0 {
		errs.Add("policy.max_concurrent_executions", "must be non-negative")
	}
	if p.TimeoutSeconds < 0 {
		errs.Add("policy.timeout_seconds", "must be non-negative")
	}
	if p.CostPerCall < 0 {
		errs.Add("policy.cost_per_call", "must be non-negative")
	}
	if p.RetryBudget < 0 {
		errs.Add("policy.retry_budget", "must be non-negative")
	}
	for i, d := range p.AllowedDomains {
		if !hostRe.MatchString(d) {
			errs.Add(fmt.Sprintf("policy.allowed_domains[%d]", i), "invalid domain %q", d)
		}
	}
}

// ValidationErrors lists every manifest violation found in one pass.
type ValidationErrors = domain.ValidationErrors
