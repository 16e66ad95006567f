package sas

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SignatureSize is HMAC-SHA256 output length.
// Code below relies on it being the whole hash output, no truncation.
const SignatureSize = sha256.Size

// compile error if hash size ever differs from SignatureSize
var (
	_ [SignatureSize - sha256.Size]byte
	_ [sha256.Size - SignatureSize]byte
)

// Sign computes HMAC-SHA256 of message with key. Any key length is accepted.
func Sign(key, message []byte) [SignatureSize]byte {
	var out [SignatureSize]byte
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(message)
	mac.Sum(out[:0])
	return out
}
