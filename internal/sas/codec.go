package sas

import (
	"encoding/base64"
	"strings"

	"github.com/juju/errors"
)

const (
	// Azure device keys decode to 32 or 64 bytes.
	MaxKeySize           = 64
	EncodedSignatureSize = 44 // base64 of SignatureSize bytes
)

var (
	ErrDecode         = errors.New("sas: malformed base64")
	ErrBufferTooSmall = errors.New("sas: destination buffer too small")
)

var encoding = base64.StdEncoding.Strict()

// DecodeKey decodes base64 text into dst and returns number of bytes written.
// dst is zeroed before the attempt and again on failure,
// so a failed decode never leaves partial key material behind.
func DecodeKey(dst []byte, text string) (int, error) {
	if need := decodedLen(text); need > len(dst) {
		return 0, errors.Annotatef(ErrBufferTooSmall, "decode need=%d cap=%d", need, len(dst))
	}
	zero(dst)
	n, err := encoding.Decode(dst, []byte(text))
	if err != nil {
		zero(dst)
		return 0, errors.Wrapf(err, ErrDecode, "decode len=%d (%v)", len(text), err)
	}
	zero(dst[n:])
	return n, nil
}

// decodedLen is exact decoded size of well formed text.
// StdEncoding.DecodedLen counts padding as data, 88 chars of a 64 byte key would need 66.
func decodedLen(text string) int {
	return base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(text, "=")))
}

// Decode is DecodeKey with owned destination.
func Decode(text string) ([]byte, error) {
	b := make([]byte, encoding.DecodedLen(len(text)))
	n, err := DecodeKey(b, text)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// Encode writes base64 of src into dst, returns number of bytes written.
func Encode(dst, src []byte) (int, error) {
	need := encoding.EncodedLen(len(src))
	if need > len(dst) {
		return 0, errors.Annotatef(ErrBufferTooSmall, "encode need=%d cap=%d", need, len(dst))
	}
	encoding.Encode(dst, src)
	return need, nil
}

func EncodeToString(src []byte) string { return encoding.EncodeToString(src) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
