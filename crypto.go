package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Key derivation info strings. Both endpoints derive the same sub-keys
// from the shared secret, so these values are part of the protocol.
var (
	encryptionKeyInfo  = []byte("ilp_stream_encryption")
	fulfillmentKeyInfo = []byte("ilp_stream_fulfillment")
)

const (
	// ConditionLen is the length of an execution condition and of the
	// fulfillment hashed to produce it.
	ConditionLen = 32
	// minSharedSecretLen is the minimum accepted shared secret size.
	minSharedSecretLen = 32
	// aeadNonceLen is the GCM nonce prepended to each ciphertext.
	aeadNonceLen = 12
	// aeadTagLen is the GCM authentication tag length.
	aeadTagLen = 16
	// aeadOverhead is the total ciphertext expansion per packet.
	aeadOverhead = aeadNonceLen + aeadTagLen
)

// cryptoEnvelope holds the sub-keys derived from one shared secret and
// performs all per-packet cryptography: authenticated encryption of the
// inner packet and generation of fulfillments and conditions.
//
// Derivation: encryptionKey = HMAC-SHA256(secret, "ilp_stream_encryption"),
// fulfillmentKey = HMAC-SHA256(secret, "ilp_stream_fulfillment").
// Per transfer: fulfillment = HMAC-SHA256(fulfillmentKey, ciphertext),
// condition = SHA-256(fulfillment). The remote endpoint recomputes the
// fulfillment from the same ciphertext when it decides to fulfill.
type cryptoEnvelope struct {
	aead           cipher.AEAD
	fulfillmentKey []byte
	pad            bool
}

// newCryptoEnvelope derives the per-connection sub-keys. The shared
// secret must be at least 32 bytes.
func newCryptoEnvelope(sharedSecret []byte, enablePadding bool) (*cryptoEnvelope, error) {
	if len(sharedSecret) < minSharedSecretLen {
		return nil, fmt.Errorf("shared secret too short: got %d bytes, need at least %d", len(sharedSecret), minSharedSecretLen)
	}

	encKey := hmacSHA256(sharedSecret, encryptionKeyInfo)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	return &cryptoEnvelope{
		aead:           aead,
		fulfillmentKey: hmacSHA256(sharedSecret, fulfillmentKeyInfo),
		pad:            enablePadding,
	}, nil
}

// encrypt seals a plaintext inner packet. The output layout is
// nonce (12 bytes) ∥ tag (16 bytes) ∥ ciphertext. When padding is
// enabled the plaintext is zero-filled to MaxDataSize first, hiding
// the packet's real length from intermediaries.
func (e *cryptoEnvelope) encrypt(plaintext []byte) ([]byte, error) {
	if e.pad && len(plaintext) < MaxDataSize {
		padded := make([]byte, MaxDataSize)
		copy(padded, plaintext)
		plaintext = padded
	}

	nonce := make([]byte, aeadNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag; move it ahead of the ciphertext so the
	// wire layout is nonce, tag, ciphertext.
	ctLen := len(sealed) - aeadTagLen
	out := make([]byte, 0, aeadNonceLen+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return out, nil
}

// decrypt opens a sealed inner packet, verifying its integrity.
func (e *cryptoEnvelope) decrypt(data []byte) ([]byte, error) {
	if len(data) < aeadOverhead {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(data), aeadOverhead)
	}
	nonce := data[:aeadNonceLen]
	tag := data[aeadNonceLen:aeadOverhead]
	ciphertext := data[aeadOverhead:]

	sealed := make([]byte, 0, len(ciphertext)+aeadTagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

// generateFulfillment computes the fulfillment preimage for a sealed
// payload.
func (e *cryptoEnvelope) generateFulfillment(ciphertext []byte) []byte {
	return hmacSHA256(e.fulfillmentKey, ciphertext)
}

// conditionOf hashes a fulfillment into its execution condition.
func conditionOf(fulfillment []byte) []byte {
	h := sha256.Sum256(fulfillment)
	return h[:]
}

// generateCondition computes the execution condition for a sealed
// payload in one step.
func (e *cryptoEnvelope) generateCondition(ciphertext []byte) []byte {
	return conditionOf(e.generateFulfillment(ciphertext))
}

// fulfillmentMatches reports whether a fulfillment hashes to the given
// condition, in constant time.
func fulfillmentMatches(fulfillment, condition []byte) bool {
	return subtle.ConstantTimeCompare(conditionOf(fulfillment), condition) == 1
}

// randomCondition returns a random 32-byte condition with no known
// fulfillment. Test packets use it so intermediaries forward them but
// nobody can execute them.
func randomCondition() ([]byte, error) {
	c := make([]byte, ConditionLen)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("generate condition: %w", err)
	}
	return c, nil
}

// hmacSHA256 computes HMAC-SHA256(key, message).
func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
