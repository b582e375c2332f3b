// Package access decides whether a requester may read a gateway-addressed bundle.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
)

// Decision reasons used in logs and metrics.
const (
	reasonOwner       = "owner"
	reasonEntitled    = "entitled"
	reasonNotEntitled = "not_entitled"
	reasonOracleError = "oracle_error"
	reasonMalformed   = "malformed_uri"
	reasonNoRequester = "no_requester"
)

// EntitlementOracle reports whether account may read the object at uri. It is
// consulted only for non-owners. Any error is treated as a denial.
type EntitlementOracle interface {
	Check(ctx context.Context, uri storageuri.URI, account string) (bool, error)
}

// OracleFunc adapts a function to EntitlementOracle.
type OracleFunc func(ctx context.Context, uri storageuri.URI, account string) (bool, error)

// Check calls f.
func (f OracleFunc) Check(ctx context.Context, uri storageuri.URI, account string) (bool, error) {
	return f(ctx, uri, account)
}

// DenyAll grants nothing to non-owners.
type DenyAll struct{}

// Check always returns false.
func (DenyAll) Check(context.Context, storageuri.URI, string) (bool, error) {
	return false, nil
}

// StaticOracle grants from a fixed table of canonical URI to accounts.
type StaticOracle struct {
	grants map[string]map[string]struct{}
}

// NewStaticOracle builds an oracle from uri -> accounts. Accounts compare
// case-insensitively.
func NewStaticOracle(grants map[string][]string) *StaticOracle {
	table := make(map[string]map[string]struct{}, len(grants))

	for uri, accounts := range grants {
		set := make(map[string]struct{}, len(accounts))
		for _, account := range accounts {
			set[strings.ToLower(account)] = struct{}{}
		}

		table[uri] = set
	}

	return &StaticOracle{grants: table}
}

// Check reports whether account is listed for uri.
func (s *StaticOracle) Check(_ context.Context, uri storageuri.URI, account string) (bool, error) {
	_, ok := s.grants[uri.String()][strings.ToLower(account)]

	return ok, nil
}

// Verifier grants owners immediately and defers to the oracle for everyone else.
type Verifier struct {
	oracle  EntitlementOracle
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewVerifier creates a Verifier. A nil oracle denies every non-owner.
func NewVerifier(oracle EntitlementOracle, log *logger.Logger, m *metrics.Metrics) *Verifier {
	if oracle == nil {
		oracle = DenyAll{}
	}

	return &Verifier{oracle: oracle, log: log, metrics: m}
}

// VerifyAccess reports whether requester may read rawURI. It fails closed: a
// malformed URI, an empty requester or an oracle error all yield false.
func (v *Verifier) VerifyAccess(ctx context.Context, rawURI, requester string) bool {
	return v.Authorize(ctx, rawURI, requester) == nil
}

// Authorize is VerifyAccess with the reason attached. Denials wrap
// core.ErrAccessDenied.
func (v *Verifier) Authorize(ctx context.Context, rawURI, requester string) error {
	uri, err := storageuri.Parse(rawURI)
	if err != nil {
		return v.deny(reasonMalformed, requester, rawURI, err)
	}

	if requester == "" {
		return v.deny(reasonNoRequester, requester, rawURI, nil)
	}

	if uri.OwnedBy(requester) {
		v.metrics.RecordAccessDecision(true, reasonOwner)

		return nil
	}

	entitled, err := v.oracle.Check(ctx, uri, requester)
	if err != nil {
		return v.deny(reasonOracleError, requester, rawURI, err)
	}

	if !entitled {
		return v.deny(reasonNotEntitled, requester, rawURI, nil)
	}

	v.metrics.RecordAccessDecision(true, reasonEntitled)

	return nil
}

func (v *Verifier) deny(reason, requester, rawURI string, cause error) error {
	v.metrics.RecordAccessDecision(false, reason)

	if cause != nil {
		v.log.Warn("Access to %q denied for '%s' (%s): %v", rawURI, requester, reason, cause)

		return fmt.Errorf("%w: %s: %w", core.ErrAccessDenied, reason, cause)
	}

	v.log.Warn("Access to %q denied for '%s' (%s)", rawURI, requester, reason)

	return fmt.Errorf("%w: %s", core.ErrAccessDenied, reason)
}
