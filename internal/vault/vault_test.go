package vault

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := DeriveKey("operator-secret")

	for _, plaintext := range []string{
		"",
		"short",
		"a bearer token with spaces and unicode ✓",
		strings.Repeat("x", 4096),
	} {
		blob, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(blob, EnvelopePrefix))

		got, err := Decrypt(blob, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	k1 := DeriveKey("secret-one")
	k2 := DeriveKey("secret-two")

	blob, err := Encrypt("payload", k1)
	require.NoError(t, err)

	_, err = Decrypt(blob, k2)
	require.Error(t, err, "wrong key must fail, never return corrupted plaintext")
}

func TestDecrypt_RejectsNonEnvelope(t *testing.T) {
	key := DeriveKey("secret")

	_, err := Decrypt("plain-token", key)
	assert.ErrorIs(t, err, ErrNotEnvelope)
}

func TestDecrypt_RejectsUnknownVersion(t *testing.T) {
	key := DeriveKey("secret")

	env := map[string]any{
		"v": 2, "alg": AlgorithmGCM,
		"iv": base64.StdEncoding.EncodeToString(make([]byte, 12)),
		"tag": base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"data": base64.StdEncoding.EncodeToString([]byte("x")),
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decrypt(EnvelopePrefix+base64.StdEncoding.EncodeToString(payload), key)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecrypt_RejectsUnknownAlgorithm(t *testing.T) {
	key := DeriveKey("secret")

	env := map[string]any{
		"v": 1, "alg": "aes-128-cbc",
		"iv": base64.StdEncoding.EncodeToString(make([]byte, 12)),
		"tag": base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"data": base64.StdEncoding.EncodeToString([]byte("x")),
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decrypt(EnvelopePrefix+base64.StdEncoding.EncodeToString(payload), key)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestDecrypt_RejectsMalformedPayload(t *testing.T) {
	key := DeriveKey("secret")

	_, err := Decrypt(EnvelopePrefix+"!!!not-base64!!!", key)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decrypt(EnvelopePrefix+base64.StdEncoding.EncodeToString([]byte("not json")), key)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEncrypt_NonceIsRandom(t *testing.T) {
	key := DeriveKey("secret")

	a, err := Encrypt("same plaintext", key)
	require.NoError(t, err)
	b, err := Encrypt("same plaintext", key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "identical plaintexts must produce distinct envelopes")
}

func TestCodec_EncryptedModeRequiresSecret(t *testing.T) {
	_, err := NewCodec(ModeEncrypted, "")
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}

func TestCodec_PlainModePassesThrough(t *testing.T) {
	codec, err := NewCodec(ModePlain, "")
	require.NoError(t, err)

	sealed, err := codec.Seal("token")
	require.NoError(t, err)
	assert.Equal(t, "token", sealed)

	got, err := codec.Open("token")
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestCodec_PlainModeStillOpensEnvelopes(t *testing.T) {
	enc, err := NewCodec(ModeEncrypted, "secret")
	require.NoError(t, err)
	sealed, err := enc.Seal("token")
	require.NoError(t, err)

	plain, err := NewCodec(ModePlain, "secret")
	require.NoError(t, err)
	got, err := plain.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestCodec_PlainModeWithoutKeyRejectsEnvelopes(t *testing.T) {
	enc, err := NewCodec(ModeEncrypted, "secret")
	require.NoError(t, err)
	sealed, err := enc.Seal("token")
	require.NoError(t, err)

	plain, err := NewCodec(ModePlain, "")
	require.NoError(t, err)
	_, err = plain.Open(sealed)
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}
