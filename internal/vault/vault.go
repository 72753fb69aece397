// Package vault encrypts and decrypts broker token pairs with
// AES-256-GCM inside a versioned, self-describing envelope.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Envelope format constants.
const (
	EnvelopePrefix  = "enc_v1:"
	EnvelopeVersion = 1
	AlgorithmGCM    = "aes-256-gcm"

	nonceSize = 12 // 96-bit IV
	tagSize   = 16 // 128-bit auth tag
)

// Decode failures. Decrypt never guesses: an unknown version or
// algorithm is an error, not a passthrough.
var (
	ErrNotEnvelope        = errors.New("vault: value is not an encrypted envelope")
	ErrUnknownVersion     = errors.New("vault: unknown envelope version")
	ErrUnknownAlgorithm   = errors.New("vault: unknown envelope algorithm")
	ErrMalformedEnvelope  = errors.New("vault: malformed envelope")
	ErrMissingKeyMaterial = errors.New("vault: missing key material")
)

// envelope is the JSON payload behind the enc_v1: prefix, with every
// binary field base64-encoded.
type envelope struct {
	V    int    `json:"v"`
	Alg  string `json:"alg"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// DeriveKey hashes an operator secret of any length down to the fixed
// 32-byte AES-256 key.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encrypt seals plaintext under key and returns a versioned envelope
// string. The key must be 32 bytes (see DeriveKey).
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext.
	data := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	env := envelope{
		V:    EnvelopeVersion,
		Alg:  AlgorithmGCM,
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Tag:  base64.StdEncoding.EncodeToString(tag),
		Data: base64.StdEncoding.EncodeToString(data),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return EnvelopePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens an envelope produced by Encrypt. A wrong key fails
// authentication rather than returning corrupted plaintext.
func Decrypt(blob string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	if !strings.HasPrefix(blob, EnvelopePrefix) {
		return "", ErrNotEnvelope
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.V != EnvelopeVersion {
		return "", fmt.Errorf("%w: v=%d", ErrUnknownVersion, env.V)
	}
	if env.Alg != AlgorithmGCM {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, env.Alg)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedEnvelope)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: bad tag", ErrMalformedEnvelope)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("%w: bad data", ErrMalformedEnvelope)
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad iv/tag length", ErrMalformedEnvelope)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt envelope: %w", err)
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether a stored value carries the envelope prefix.
func IsEnvelope(blob string) bool {
	return strings.HasPrefix(blob, EnvelopePrefix)
}
