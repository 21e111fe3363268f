package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bartholomew/memkernel/internal/kernel/keys"
)

// DecodeEncryptionKey supports both hex keys and base64 keys.
func DecodeEncryptionKey(raw string) ([]byte, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if b, err := hex.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	return nil, fmt.Errorf("key must be hex or base64 encoded 16/24/32-byte value")
}

func validAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// KeysConfig decodes the configured key material into the key provider's
// configuration. Unset keys stay nil so the provider synthesizes ephemeral
// ones with its one-time warning.
func (c *Config) KeysConfig() (keys.Config, error) {
	out := keys.Config{
		StandardKid: c.EncryptionStandardKid,
		StrongKid:   c.EncryptionStrongKid,
	}
	if c.EncryptionStandardKey != "" {
		k, err := DecodeEncryptionKey(c.EncryptionStandardKey)
		if err != nil {
			return keys.Config{}, fmt.Errorf("standard encryption key: %w", err)
		}
		out.StandardKey = k
	}
	if c.EncryptionStrongKey != "" {
		k, err := DecodeEncryptionKey(c.EncryptionStrongKey)
		if err != nil {
			return keys.Config{}, fmt.Errorf("strong encryption key: %w", err)
		}
		out.StrongKey = k
	}
	return out, nil
}
