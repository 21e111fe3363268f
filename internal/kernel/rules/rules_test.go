package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
never_store:
  - match:
      content: "(?i)ssn"
    metadata:
      allow_store: false
ask_before_store:
  - match:
      kind: "diary"
    metadata:
      requires_consent: true
context_only:
  - match:
      kind: "sensitive_joke"
    metadata:
      recall_policy: "context_only"
redact:
  - match:
      content: "(?i)password"
    metadata:
      redact_strategy: "mask"
      encrypt: "strong"
always_keep:
  - match:
      tags: ["pinned"]
    metadata:
      recall_policy: "always_keep"
auto_expire:
  - match:
      kind: "ephemeral"
    metadata:
      recall_policy: "auto_expire"
`

func TestEvaluateDefaults(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "chat", Key: "k1", Value: "hello"})
	require.True(t, d.AllowStore)
	require.False(t, d.RequiresConsent)
	require.Equal(t, "none", d.Encrypt)
	require.Equal(t, "summary", d.Embed)
}

func TestNeverStore(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "chat", Key: "k1", Value: "my SSN is 123"})
	require.False(t, d.AllowStore)
}

func TestRedactAndEncryptCompose(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "chat", Key: "k1", Value: "my password is hunter2"})
	require.Equal(t, "mask", d.RedactStrategy)
	require.Equal(t, "strong", d.Encrypt)
}

func TestContextOnly(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "sensitive_joke", Key: "j1", Value: "..."})
	require.Equal(t, "context_only", d.RecallPolicy)
}

func TestTagMatchRequiresAllTags(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "note", Key: "n1", Value: "x", Tags: []string{"pinned", "work"}})
	require.Equal(t, "always_keep", d.RecallPolicy)

	d2 := e.Evaluate(Record{Kind: "note", Key: "n2", Value: "x", Tags: []string{"work"}})
	require.Equal(t, "none", d2.RecallPolicy)
}

func TestInvalidRegexNeverMatchesNeverPanics(t *testing.T) {
	rs, err := ParseRuleSet([]byte(`
redact:
  - match:
      content: "(unterminated["
    metadata:
      redact_strategy: "mask"
`))
	require.NoError(t, err)
	e := NewEngine(rs)
	require.NotPanics(t, func() {
		d := e.Evaluate(Record{Kind: "chat", Key: "k", Value: "anything"})
		require.Equal(t, "", d.RedactStrategy)
	})
}

func TestSafetyAuditAlwaysAllowed(t *testing.T) {
	rs, err := ParseRuleSet([]byte(`
never_store:
  - match: {}
    metadata:
      allow_store: false
`))
	require.NoError(t, err)
	e := NewEngine(rs)

	d := e.Evaluate(Record{Kind: "safety.audit", Key: "a1", Value: "brake engaged"})
	require.True(t, d.AllowStore)
	require.False(t, d.RequiresConsent)
}

func TestRuleDeterminism(t *testing.T) {
	rs, err := ParseRuleSet([]byte(sampleYAML))
	require.NoError(t, err)
	e := NewEngine(rs)

	rec := Record{Kind: "chat", Key: "k1", Value: "my password is hunter2"}
	d1 := e.Evaluate(rec)
	d2 := e.Evaluate(rec)
	require.Equal(t, d1, d2)
}
