package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthCodecRoundTrip(t *testing.T) {
	codec := NewAuthCodec("secret-token")
	payload := []byte(`{"jobId":1}`)

	header := codec.Sign(payload)
	assert.True(t, codec.Verify(payload, header))
}

func TestAuthCodecEmptyPayload(t *testing.T) {
	codec := NewAuthCodec("secret-token")
	header := codec.Sign(nil)
	assert.True(t, codec.Verify(nil, header))
	assert.True(t, codec.Verify([]byte{}, header))
}

func TestAuthCodecRejectsWrongToken(t *testing.T) {
	payload := []byte(`{"jobId":1}`)
	header := NewAuthCodec("token-a").Sign(payload)
	assert.False(t, NewAuthCodec("token-b").Verify(payload, header))
}

func TestAuthCodecRejectsTamperedPayload(t *testing.T) {
	codec := NewAuthCodec("secret-token")
	header := codec.Sign([]byte(`{"jobId":1}`))
	assert.False(t, codec.Verify([]byte(`{"jobId":2}`), header))
}

func TestAuthCodecRejectsMalformedHeaders(t *testing.T) {
	codec := NewAuthCodec("secret-token")
	for _, header := range []string{"", "nocolon", ":", "salt:", ":digest"} {
		assert.False(t, codec.Verify([]byte("x"), header), "header %q", header)
	}
}

func TestAuthCodecSaltsAreUnique(t *testing.T) {
	codec := NewAuthCodec("secret-token")
	payload := []byte("same payload")

	a := codec.Sign(payload)
	b := codec.Sign(payload)
	require.NotEqual(t, a, b, "each proof must use a fresh salt")

	saltA, _, _ := strings.Cut(a, ":")
	saltB, _, _ := strings.Cut(b, ":")
	assert.NotEqual(t, saltA, saltB)
	assert.True(t, codec.Verify(payload, a))
	assert.True(t, codec.Verify(payload, b))
}
