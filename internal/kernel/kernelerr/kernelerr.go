// Package kernelerr defines the sentinel error kinds shared across the
// memory kernel. Callers distinguish them with errors.Is;
// none of them ever carry plaintext record content in their message.
package kernelerr

import "errors"

var (
	// ErrBrakeEngaged is returned when the parking brake refuses a write
	// or retrieval for the scope it gates.
	ErrBrakeEngaged = errors.New("memkernel: parking brake engaged")

	// ErrRuleEval marks an internal rule-evaluation failure. The rule
	// engine itself never returns this — invalid rules are skipped and
	// logged — but it is reserved for callers that wrap rule-loading
	// failures distinctly from ErrConfig.
	ErrRuleEval = errors.New("memkernel: rule evaluation error")

	// ErrRedact marks an internal redaction failure. The redactor itself
	// never returns this — malformed patterns leave text unchanged — it
	// exists so callers can classify unexpected redaction-layer errors.
	ErrRedact = errors.New("memkernel: redaction error")

	// ErrCrypto wraps an envelope authentication failure or missing key
	// material.
	ErrCrypto = errors.New("memkernel: cryptographic authentication failure")

	// ErrIndex wraps a transient FTS or vector backend failure.
	ErrIndex = errors.New("memkernel: index backend error")

	// ErrStore wraps an underlying record-store (SQLite) failure.
	ErrStore = errors.New("memkernel: storage error")

	// ErrConfig marks an invalid rule set or configuration at load time.
	ErrConfig = errors.New("memkernel: invalid configuration")
)
