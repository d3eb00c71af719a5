// Package policy decides who may connect to the hub and which role they may
// hold. Every check is opt-in: an unset credential or an empty allow-list
// means that check is skipped.
package policy

import (
	"crypto/subtle"
	"strings"

	"github.com/HMasataka/fanout/internal/config"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/errors"
)

// Policy holds the shared secrets and the origin allow-list
type Policy struct {
	// PublisherCredential gates the publisher role. nil accepts any claim.
	PublisherCredential *string
	// ViewerCredential gates the viewer role. nil accepts any claim.
	ViewerCredential *string
	// AllowOrigins lists accepted Origin header values. Empty disables the check.
	AllowOrigins map[string]struct{}
}

// New builds a Policy. Empty credentials are treated as unset and blank
// origins are ignored.
func New(publisherCredential, viewerCredential string, allowOrigins []string) *Policy {
	p := &Policy{
		PublisherCredential: optional(publisherCredential),
		ViewerCredential:    optional(viewerCredential),
		AllowOrigins:        make(map[string]struct{}, len(allowOrigins)),
	}
	for _, o := range allowOrigins {
		if o = strings.TrimSpace(o); o != "" {
			p.AllowOrigins[o] = struct{}{}
		}
	}
	return p
}

// FromConfig builds a Policy from the auth section of the configuration
func FromConfig(auth config.AuthConfig) *Policy {
	return New(auth.PublishToken, auth.ReadToken, auth.AllowOrigins)
}

// Open returns a policy that performs no checks
func Open() *Policy {
	return New("", "", nil)
}

// CheckOrigin rejects a non-empty origin that is missing from a non-empty
// allow-list. Requests without an Origin header (non-browser clients) pass.
func (p *Policy) CheckOrigin(origin string) error {
	if len(p.AllowOrigins) == 0 || origin == "" {
		return nil
	}
	if _, ok := p.AllowOrigins[origin]; ok {
		return nil
	}
	return errors.New(errors.ErrorTypePolicyViolation, errors.CodeOriginNotAllowed, "origin not allowed").WithDetails(origin)
}

// Authorize checks a role claim against the credential configured for it.
func (p *Policy) Authorize(role domain.Role, token string) error {
	var want *string
	switch role {
	case domain.RolePublisher:
		want = p.PublisherCredential
	case domain.RoleViewer:
		want = p.ViewerCredential
	default:
		return errors.Wrap(domain.ErrInvalidRole, errors.ErrorTypeAuthFailure, errors.CodeAuthFailed, "auth failed").WithDetails(role.String())
	}

	if want == nil {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(*want), []byte(token)) != 1 {
		return errors.New(errors.ErrorTypeAuthFailure, errors.CodeAuthFailed, "auth failed").WithDetails(role.String())
	}
	return nil
}

// Requires reports whether a claim for role needs a credential
func (p *Policy) Requires(role domain.Role) bool {
	switch role {
	case domain.RolePublisher:
		return p.PublisherCredential != nil
	case domain.RoleViewer:
		return p.ViewerCredential != nil
	}
	return true
}

// Origins returns the allow-list entries
func (p *Policy) Origins() []string {
	out := make([]string, 0, len(p.AllowOrigins))
	for o := range p.AllowOrigins {
		out = append(out, o)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
