// Package index implements the indexing policy guard: a pure predicate
// deciding whether a rule decision's record may be written to the FTS or
// vector indexes.
package index

import (
	"strings"

	"github.com/bartholomew/memkernel/internal/kernel/rules"
)

// Policy is the configuration surface for the guard.
type Policy struct {
	DisallowStrongOnly bool
}

// CanIndex reports whether decision may be indexed under policy. Only
// encrypt=strong records are ever blocked; context_only records (or any
// other recall policy) are never blocked by this flag.
func CanIndex(policy Policy, decision rules.Decision) bool {
	if !policy.DisallowStrongOnly {
		return true
	}
	return strings.ToLower(strings.TrimSpace(decision.Encrypt)) != "strong"
}
