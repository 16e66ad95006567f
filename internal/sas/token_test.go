package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math"
	"net/url"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	const resource = "myhub.example.net/device1"
	const expiry uint32 = 1700000100
	tok, err := Builder{}.Generate(resource, "a2V5MTIz", expiry)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("key123"))
	mac.Write([]byte("myhub.example.net%2Fdevice1\n1700000100"))
	expectSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expiry, tok.Expiry)
	assert.Equal(t, expectSig, tok.Signature)
	assert.Equal(t, "SharedAccessSignature sr=myhub.example.net/device1&sig="+url.QueryEscape(expectSig)+"&se=1700000100", tok.Text)
	assert.Equal(t, tok.Text, tok.String())

	values, err := url.ParseQuery(strings.TrimPrefix(tok.Text, "SharedAccessSignature "))
	require.NoError(t, err)
	assert.Equal(t, "1700000100", values.Get("se"))
	raw, err := base64.StdEncoding.DecodeString(values.Get("sig"))
	require.NoError(t, err)
	assert.Len(t, raw, SignatureSize)

	se, err := ParseExpiry(tok.Text)
	require.NoError(t, err)
	assert.Equal(t, expiry, se)
}

func TestGenerateKeySizes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 16, 32, 48, 62, 63, MaxKeySize} {
		key := make([]byte, n)
		for i := range key {
			key[i] = byte(i + 1)
		}
		tok, err := Builder{}.Generate("hub/devices/d", EncodeToString(key), 1700000100)
		require.NoError(t, err, "key size=%d", n)

		mac := hmac.New(sha256.New, key)
		mac.Write([]byte("hub%2Fdevices%2Fd\n1700000100"))
		assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), tok.Signature, "key size=%d", n)
	}
}

func TestGenerateAssemblyInconsistent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		resource string
	}{
		{"resource-carries-se", "hub/devices/d&se=5"},
		{"resource-carries-empty-se", "hub/devices/d&se="},
		{"resource-carries-bad-se", "hub/devices/d&se=x1"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			tok, err := Builder{}.Generate(c.resource, "a2V5MTIz", 1700000100)
			assert.Nil(t, tok)
			require.Error(t, err)
			assert.Equal(t, ErrAssemblyInconsistent, errors.Cause(err))
		})
	}
}

func TestGenerateKeyName(t *testing.T) {
	t.Parallel()

	tok, err := Builder{KeyName: "device policy"}.Generate("hub/devices/d", "a2V5MTIz", 42)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(tok.Text, "&se=42&skn=device%20policy"), tok.Text)
	se, err := ParseExpiry(tok.Text)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), se)
}

func TestGenerateBadKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"not base64!", "a2V5MTI", strings.Repeat("QUFB", 30)} {
		tok, err := Builder{}.Generate("hub/devices/d", key, 1)
		assert.Nil(t, tok)
		require.Error(t, err, key)
		assert.Equal(t, ErrBadKey, errors.Cause(err), key)
	}
}

func TestSignatureInput(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "myhub.example.net%2Fdevice1\n1700000100", string(SignatureInput("myhub.example.net/device1", 1700000100)))
	assert.Equal(t, "a%20b~c\n0", string(SignatureInput("a b~c", 0)))
}

func TestParseExpiry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect uint32
		cause  error
	}{
		{"SharedAccessSignature sr=x&sig=y", 0, ErrMarkerNotFound},
		{"se=1700000000", 0, ErrMarkerNotFound},
		{"&se=abc&", 0, ErrMalformedNumber},
		{"&se=&sig=x", 0, ErrMalformedNumber},
		{"&se=", 0, ErrMalformedNumber},
		{"&se=-1", 0, ErrMalformedNumber},
		{"&se=+5", 0, ErrMalformedNumber},
		{"&se=4294967296", 0, ErrMalformedNumber},
		{"&se=4294967295", math.MaxUint32, nil},
		{"&se=1700000000&rest=x", 1700000000, nil},
		{"anything at all&se=7", 7, nil},
		{"&se=1&se=2", 1, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			t.Parallel()
			se, err := ParseExpiry(c.input)
			if c.cause != nil {
				assert.Equal(t, c.cause, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, se)
		})
	}
}

func TestExpiryAfter(t *testing.T) {
	t.Parallel()

	se, err := ExpiryAfter(1700000000, 60)
	require.NoError(t, err)
	assert.Equal(t, uint32(1700003600), se)

	_, err = ExpiryAfter(math.MaxUint32-59, 1)
	assert.Equal(t, ErrExpiryOverflow, errors.Cause(err))
	_, err = ExpiryAfter(0, math.MaxUint32)
	assert.Equal(t, ErrExpiryOverflow, errors.Cause(err))
}
