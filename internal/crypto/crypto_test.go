package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainHashIgnoresKeyOrder(t *testing.T) {
	payload1 := map[string]interface{}{"id": "entry-1", "phase": "deposit"}
	payload2 := map[string]interface{}{"phase": "deposit", "id": "entry-1"}

	hash1, err := ChainHash(ZeroHash, payload1)
	require.NoError(t, err)
	hash2, err := ChainHash(ZeroHash, payload2)
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
	assert.Len(t, hash1, 64)
}

func TestChainHashRejectsMalformedPrev(t *testing.T) {
	_, err := ChainHash("abc", map[string]string{"a": "b"})
	require.Error(t, err)

	_, err = ChainHash(string(make([]byte, 64)), map[string]string{"a": "b"})
	require.Error(t, err)
}

func TestDigestStructMatchesMap(t *testing.T) {
	type claim struct {
		Vault string `json:"vault"`
		Nonce uint64 `json:"nonce"`
	}
	d1, err := Digest(claim{Vault: "0xabc", Nonce: 4})
	require.NoError(t, err)
	d2, err := Digest(map[string]interface{}{"nonce": 4, "vault": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestSignerPersistsKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "journal.key")

	signer, err := NewSigner(keyPath)
	require.NoError(t, err)

	hash := "a591a6d40bf420404a011733cfb7b190d62c65bf0bcda32b57b277d9ad9f146e"
	sig := signer.SignHash(hash)
	assert.True(t, signer.VerifySignature(hash, sig))
	assert.False(t, signer.VerifySignature("wrong-hash", sig))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := NewSigner(keyPath)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), reloaded.PublicKey())
	assert.True(t, reloaded.VerifySignature(hash, sig))
}

func TestSignerRejectsCorruptKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "journal.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not-hex"), 0o600))

	_, err := NewSigner(keyPath)
	require.Error(t, err)
}

func TestRotationKeepsOldSignaturesVerifiableWithOldKey(t *testing.T) {
	const entries = 5
	keyPath := filepath.Join(t.TempDir(), "journal.key")
	signer, err := NewSigner(keyPath)
	require.NoError(t, err)

	hashes := make([]string, entries)
	sigs := make([]string, entries)
	for i := range hashes {
		hashes[i] = hex.EncodeToString([]byte{byte(i)})
		sigs[i] = signer.SignHash(hashes[i])
	}

	oldPub, newPub, err := signer.RotateKey()
	require.NoError(t, err)
	require.NotEqual(t, oldPub, newPub)
	assert.Equal(t, newPub, signer.PublicKey())

	for i := range hashes {
		assert.True(t, VerifyHex(oldPub, []byte(hashes[i]), sigs[i]), "entry %d", i)
		assert.False(t, signer.VerifySignature(hashes[i], sigs[i]), "entry %d", i)
	}

	reloaded, err := NewSigner(keyPath)
	require.NoError(t, err)
	assert.Equal(t, newPub, reloaded.PublicKey())
}

func TestVerifyHexRejectsGarbage(t *testing.T) {
	assert.False(t, VerifyHex("zz", []byte("m"), "00"))
	_, err := ParsePublicKey("0x1234")
	assert.Error(t, err)
}
