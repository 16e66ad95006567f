package sas

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const tokenPrefix = "SharedAccessSignature "

var (
	ErrBadKey               = errors.New("sas: secret key is not valid base64")
	ErrAssemblyInconsistent = errors.New("sas: assembled token does not carry signed expiry")
)

// Token is immutable, regeneration produces a new one.
type Token struct {
	Resource  string
	Signature string // base64, not url-escaped
	Expiry    uint32
	Text      string
}

func (t *Token) String() string {
	if t == nil {
		return ""
	}
	return t.Text
}

// Builder assembles tokens. Zero value is ready to use.
type Builder struct {
	// KeyName is appended as `skn` for shared access policy keys. Empty for device keys.
	KeyName string
}

func (b Builder) Generate(resourceID, keyBase64 string, expiry uint32) (*Token, error) {
	var keyBuf [MaxKeySize]byte
	defer zero(keyBuf[:])
	n, err := DecodeKey(keyBuf[:], keyBase64)
	if err != nil {
		return nil, errors.Wrapf(err, ErrBadKey, "sas generate: %v", err)
	}
	key := keyBuf[:n]

	raw := Sign(key, SignatureInput(resourceID, expiry))

	var sigBuf [EncodedSignatureSize]byte
	sigLen, err := Encode(sigBuf[:], raw[:])
	if err != nil {
		return nil, errors.Annotate(err, "sas generate: encode signature")
	}
	sig := string(sigBuf[:sigLen])

	text := b.assemble(resourceID, sig, expiry)
	parsed, err := ParseExpiry(text)
	if err != nil {
		return nil, errors.Wrapf(err, ErrAssemblyInconsistent, "sas generate: parse back: %v", err)
	}
	if parsed != expiry {
		return nil, errors.Annotatef(ErrAssemblyInconsistent, "sas generate: parsed se=%d expected=%d", parsed, expiry)
	}
	return &Token{
		Resource:  resourceID,
		Signature: sig,
		Expiry:    expiry,
		Text:      text,
	}, nil
}

// SignatureInput returns string to sign: `<escaped resource>\n<expiry>`.
func SignatureInput(resourceID string, expiry uint32) []byte {
	escaped := EscapeResource(resourceID)
	b := make([]byte, 0, len(escaped)+1+10)
	b = append(b, escaped...)
	b = append(b, '\n')
	b = strconv.AppendUint(b, uint64(expiry), 10)
	return b
}

func (b Builder) assemble(resourceID, sig string, expiry uint32) string {
	var sb strings.Builder
	sb.Grow(len(tokenPrefix) + len(resourceID) + 3*EncodedSignatureSize + 40 + len(b.KeyName))
	sb.WriteString(tokenPrefix)
	sb.WriteString("sr=")
	sb.WriteString(resourceID)
	sb.WriteString("&sig=")
	sb.WriteString(EscapeResource(sig))
	sb.WriteString("&se=")
	sb.WriteString(strconv.FormatUint(uint64(expiry), 10))
	if b.KeyName != "" {
		sb.WriteString("&skn=")
		sb.WriteString(EscapeResource(b.KeyName))
	}
	return sb.String()
}

// EscapeResource percent-encodes everything except RFC 3986 unreserved characters.
// Space is %20, never '+'.
func EscapeResource(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
