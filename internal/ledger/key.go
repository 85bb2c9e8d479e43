package ledger

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keyDomain separates dealflow idempotency keys from any other HMAC use.
// It is not a secret.
var keyDomain = []byte("dealflow-ledger-idempotency-v1")

// Key derives the idempotency key for an event delivered against a thread.
// The payload is canonicalized first so that field order and whitespace do
// not change the key; payloads that are not JSON are hashed as delivered.
func Key(eventType, threadID string, payload []byte) string {
	h := hmac.New(sha256.New, keyDomain)
	h.Write([]byte("event_type:"))
	h.Write([]byte(eventType))
	h.Write([]byte("|thread_id:"))
	h.Write([]byte(threadID))
	h.Write([]byte("|payload:"))
	h.Write(canonical(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// KeyPrefix returns a prefix of the key that is safe to log.
func KeyPrefix(key string) string {
	if len(key) < 16 {
		return key
	}
	return key[:16] + "..."
}

// ValidateKey checks that key has the shape Key produces.
func ValidateKey(key string) error {
	if len(key) != 64 {
		return fmt.Errorf("invalid idempotency key length: expected 64, got %d", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("invalid idempotency key format: %w", err)
	}
	return nil
}

func canonical(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}
