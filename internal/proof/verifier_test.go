package proof

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaim() Claim {
	return Claim{Circuit: "vault-settlement", Domain: "settlement", Vault: "0xvault", Nonce: 3, Assets: "1000"}
}

func committedInputs(t *testing.T, c Claim) []byte {
	t.Helper()
	digest, err := c.Digest()
	require.NoError(t, err)
	return append(digest[:], []byte("tail")...)
}

func TestDigestVerifier(t *testing.T) {
	claim := testClaim()
	inputs := committedInputs(t, claim)
	ctx := context.Background()

	require.NoError(t, DigestVerifier{}.Verify(ctx, claim.Circuit, []byte{1}, inputs, claim))

	other := claim
	other.Nonce = 4
	err := DigestVerifier{}.Verify(ctx, claim.Circuit, []byte{1}, inputs, other)
	var verr *VerificationError
	require.True(t, errors.As(err, &verr))

	err = DigestVerifier{}.Verify(ctx, claim.Circuit, nil, inputs, claim)
	require.True(t, errors.As(err, &verr))

	err = DigestVerifier{}.Verify(ctx, "vault-transfer", []byte{1}, inputs, claim)
	require.True(t, errors.As(err, &verr))
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := NewEd25519Verifier(hex.EncodeToString(pub))
	require.NoError(t, err)

	claim := testClaim()
	inputs := committedInputs(t, claim)
	sig := ed25519.Sign(priv, AttestationMessage(claim.Circuit, inputs))

	require.NoError(t, v.Verify(context.Background(), claim.Circuit, sig, inputs, claim))

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xff
	var verr *VerificationError
	require.True(t, errors.As(v.Verify(context.Background(), claim.Circuit, tampered, inputs, claim), &verr))
	require.True(t, errors.As(v.Verify(context.Background(), claim.Circuit, sig[:10], inputs, claim), &verr))
}

type rejectAll struct{ calls int }

func (r *rejectAll) Verify(context.Context, string, []byte, []byte, Claim) error {
	r.calls++
	return errors.New("circuit says no")
}

func TestAttest(t *testing.T) {
	claim := testClaim()
	inputs := committedInputs(t, claim)
	ctx := context.Background()

	verified, err := Attest(ctx, DigestVerifier{}, claim.Circuit, Encode([]byte("p"), inputs), claim)
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), verified.Proof())
	assert.Equal(t, inputs, verified.Inputs())
	assert.Equal(t, claim, verified.Claim())

	t.Run("decode failure never reaches verifier", func(t *testing.T) {
		r := &rejectAll{}
		v, err := Attest(ctx, r, claim.Circuit, Proof{Proof: "%%", Inputs: "aW5wdXRz"}, claim)
		var derr *DecodeError
		require.True(t, errors.As(err, &derr))
		assert.Nil(t, v)
		assert.Zero(t, r.calls)
	})

	t.Run("foreign verifier errors become verification errors", func(t *testing.T) {
		v, err := Attest(ctx, &rejectAll{}, claim.Circuit, Encode([]byte("p"), inputs), claim)
		var verr *VerificationError
		require.True(t, errors.As(err, &verr))
		assert.Nil(t, v)
	})

	t.Run("nil verifier rejects", func(t *testing.T) {
		_, err := Attest(ctx, nil, claim.Circuit, Encode([]byte("p"), inputs), claim)
		var verr *VerificationError
		require.True(t, errors.As(err, &verr))
	})
}
