package vault

import "fmt"

// StorageMode selects how token pairs are persisted.
type StorageMode string

const (
	// ModeEncrypted seals tokens in AES-256-GCM envelopes. Requires key
	// material at construction.
	ModeEncrypted StorageMode = "encrypted"

	// ModePlain stores tokens as clear text. Development only.
	ModePlain StorageMode = "plain"
)

// Codec applies the configured storage mode to token persistence.
type Codec struct {
	mode StorageMode
	key  []byte
}

// NewCodec builds a codec for the given mode. Missing key material in
// encrypted mode is a configuration error, surfaced immediately.
func NewCodec(mode StorageMode, secret string) (*Codec, error) {
	switch mode {
	case ModeEncrypted:
		if secret == "" {
			return nil, ErrMissingKeyMaterial
		}
		return &Codec{mode: mode, key: DeriveKey(secret)}, nil
	case ModePlain:
		c := &Codec{mode: mode}
		if secret != "" {
			// Keep the key around so previously encrypted values stay readable.
			c.key = DeriveKey(secret)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("vault: unknown storage mode %q", mode)
	}
}

// Mode returns the configured storage mode.
func (c *Codec) Mode() StorageMode {
	return c.mode
}

// Seal prepares a token for persistence according to the storage mode.
func (c *Codec) Seal(plaintext string) (string, error) {
	if c.mode == ModePlain {
		return plaintext, nil
	}
	return Encrypt(plaintext, c.key)
}

// Open recovers a persisted token. Envelope-tagged values always go
// through Decrypt, even in plain mode, so flipping the mode never
// corrupts existing rows.
func (c *Codec) Open(stored string) (string, error) {
	if !IsEnvelope(stored) {
		if c.mode == ModePlain {
			return stored, nil
		}
		return "", ErrNotEnvelope
	}
	if c.key == nil {
		return "", ErrMissingKeyMaterial
	}
	return Decrypt(stored, c.key)
}
