// Package envelope implements the authenticated encryption envelope used to
// wrap record values and summaries before they reach the record store.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Scheme identifies the wire format version. Readers must reject any
// envelope whose scheme does not match exactly.
const Scheme = "bartholomew.enc.v1"

// AlgAESGCM is the only supported algorithm tag.
const AlgAESGCM = "AES-GCM"

// ErrAuthFailure is returned when decryption fails due to ciphertext,
// nonce, AAD or key mismatch. It never reveals which of these failed.
var ErrAuthFailure = errors.New("envelope: authentication failure")

// ErrSchemeMismatch is returned by Parse when the JSON object is not a
// valid envelope of the current scheme.
var ErrSchemeMismatch = errors.New("envelope: scheme mismatch")

// Envelope is the authenticated-encryption JSON wire format. Binary
// fields are URL-safe, unpadded base64.
type Envelope struct {
	Scheme string `json:"scheme"`
	Alg    string `json:"alg"`
	Kid    string `json:"kid"`
	Nonce  string `json:"nonce"`
	AAD    string `json:"aad,omitempty"`
	CT     string `json:"ct"`
}

func b64e(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64d(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// ToJSON serializes the envelope to its compact wire form.
func (e Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes an envelope from JSON, returning ErrSchemeMismatch if
// the payload is not a well-formed envelope of the current scheme. Callers
// use this to distinguish "plaintext value" from "encrypted value" when
// reading back a record.
func Parse(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrSchemeMismatch, err)
	}
	if e.Scheme != Scheme {
		return Envelope{}, ErrSchemeMismatch
	}
	return e, nil
}

// IsEnvelope reports whether data parses as a well-formed envelope. It never
// returns an error; any parse failure is treated as "not an envelope".
func IsEnvelope(data []byte) bool {
	_, err := Parse(data)
	return err == nil
}

// BuildAAD constructs the canonical additional authenticated data for a
// record value or its summary: kind + "\0" + key + "\0" +
// ts, with an extra "\0summary" suffix for the summary field.
func BuildAAD(kind, key, ts string, summary bool) []byte {
	aad := kind + "\x00" + key + "\x00" + ts
	if summary {
		aad += "\x00summary"
	}
	return []byte(aad)
}

// Seal encrypts plaintext under key (must be 32 bytes) with the given kid
// and aad, returning a fully-populated Envelope. A fresh random 96-bit
// nonce is generated per call.
func Seal(key []byte, kid string, plaintext, aad []byte) (Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, aad)

	e := Envelope{
		Scheme: Scheme,
		Alg:    AlgAESGCM,
		Kid:    kid,
		Nonce:  b64e(nonce),
		CT:     b64e(ct),
	}
	if len(aad) > 0 {
		e.AAD = b64e(aad)
	}
	return e, nil
}

// Open decrypts an envelope with key, verifying against the supplied aad.
// The aad passed here must match the aad used at Seal time exactly (callers
// recompute it canonically rather than trusting the envelope's own AAD
// field, to prevent swapping both ciphertext and AAD together). Any
// mismatch of ciphertext, nonce, aad or key yields ErrAuthFailure.
func Open(key []byte, e Envelope, aad []byte) ([]byte, error) {
	if e.Scheme != Scheme {
		return nil, ErrSchemeMismatch
	}
	if e.Alg != AlgAESGCM {
		return nil, fmt.Errorf("envelope: unsupported algorithm %q", e.Alg)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := b64d(e.Nonce)
	if err != nil {
		return nil, ErrAuthFailure
	}
	ct, err := b64d(e.CT)
	if err != nil {
		return nil, ErrAuthFailure
	}

	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return gcm, nil
}
