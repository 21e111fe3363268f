package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bartholomew/memkernel/internal/kernel/rules"
)

func TestPolicyDisabledAlwaysAllows(t *testing.T) {
	d := rules.DefaultDecision()
	d.Encrypt = "strong"
	require.True(t, CanIndex(Policy{DisallowStrongOnly: false}, d))
}

func TestStrongBlockedWhenEnabled(t *testing.T) {
	d := rules.DefaultDecision()
	d.Encrypt = "strong"
	require.False(t, CanIndex(Policy{DisallowStrongOnly: true}, d))
}

func TestContextOnlyNeverBlocked(t *testing.T) {
	d := rules.DefaultDecision()
	d.Encrypt = "none"
	d.RecallPolicy = "context_only"
	require.True(t, CanIndex(Policy{DisallowStrongOnly: true}, d))
}

func TestStandardEncryptNotBlocked(t *testing.T) {
	d := rules.DefaultDecision()
	d.Encrypt = "standard"
	require.True(t, CanIndex(Policy{DisallowStrongOnly: true}, d))
}
