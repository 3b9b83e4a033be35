package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/core"
)

const testIdentifier = "a1b2c3d4e5f60718"

func TestNewStamper_RejectsBadFormat(t *testing.T) {
	cases := []string{
		"",
		"short",
		"A1B2C3D4E5F60718",  // uppercase
		"a1b2c3d4e5f607189", // too long
		"zzzzzzzzzzzzzzzz",  // not hex
	}
	for _, id := range cases {
		_, err := NewStamper(id)
		assert.Error(t, err, "identifier %q should be rejected", id)
	}
}

func TestStampVerify_RoundTrip(t *testing.T) {
	s, err := NewStamper(testIdentifier)
	require.NoError(t, err)

	payload := []byte(`{"action":"activate_bundle","version":"v3"}`)
	tagged := s.Stamp(payload)

	assert.Equal(t, testIdentifier, tagged.Identifier)
	assert.True(t, s.Verify(tagged), "freshly stamped payload must verify")
}

func TestVerify_TamperedPayload(t *testing.T) {
	s, err := NewStamper(testIdentifier)
	require.NoError(t, err)

	tagged := s.Stamp([]byte("original"))
	tagged.Payload = []byte("tampered")
	assert.False(t, s.Verify(tagged))
}

func TestVerify_ForeignIdentifier(t *testing.T) {
	s, err := NewStamper(testIdentifier)
	require.NoError(t, err)

	other, err := NewStamper("00112233445566ff")
	require.NoError(t, err)

	tagged := other.Stamp([]byte("payload"))
	assert.False(t, s.Verify(tagged), "tag from another deployment must not verify")
}

func TestCheck_MismatchKind(t *testing.T) {
	s, err := NewStamper(testIdentifier)
	require.NoError(t, err)

	require.NoError(t, s.Check(testIdentifier))

	err = s.Check("deadbeefdeadbeef")
	require.Error(t, err)
	assert.Equal(t, core.ErrConstitutionalMismatch, core.KindOf(err))
}
