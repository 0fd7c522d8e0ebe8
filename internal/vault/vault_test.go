package vault

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

func newTestVault(t *testing.T) (*Vault, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v, err := New(Options{Redis: rdb, HomeDir: t.TempDir()})
	require.NoError(t, err)
	return v, rdb
}

func TestStoreAndResolveRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "github-token", "ghp_secret123"))

	got, ok, err := v.Resolve(ctx, "github-token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ghp_secret123", got)
}

func TestResolveMissingSecret(t *testing.T) {
	v, _ := newTestVault(t)
	_, ok, err := v.Resolve(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCiphertextIsNotPlaintext(t *testing.T) {
	v, rdb := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "api-key", "super-secret-value"))

	raw, err := rdb.Get(ctx, keyspace.SecretKey("api-key")).Result()
	require.NoError(t, err)
	require.NotContains(t, raw, "super-secret-value")

	parts := strings.Split(raw, ":")
	require.Len(t, parts, 3, "expected iv:authTag:payload")
	require.Len(t, parts[0], 24) // 12-byte IV, hex-encoded
	require.Len(t, parts[1], 32) // 16-byte auth tag, hex-encoded
}

func TestListReturnsStoredNames(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "one", "a"))
	require.NoError(t, v.Store(ctx, "two", "b"))

	names, err := v.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one", "two"}, names)
}

func TestDeleteRemovesSecret(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "temp", "value"))
	require.NoError(t, v.Delete(ctx, "temp"))

	_, ok, err := v.Resolve(ctx, "temp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveAllOmitsNothingOnHappyPath(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "a", "va"))
	require.NoError(t, v.Store(ctx, "b", "vb"))

	all, err := v.ResolveAll(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "va", "b": "vb"}, all)
}

func TestResolveAllOmitsCorruptSecretWithoutSubstitution(t *testing.T) {
	v, rdb := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "good", "valid"))
	require.NoError(t, rdb.Set(ctx, keyspace.SecretKey("bad"), "not:a:ciphertext-shape-that-parses", 0).Err())

	all, err := v.ResolveAll(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"good": "valid"}, all)
	_, hasBad := all["bad"]
	require.False(t, hasBad)
}

func TestRotateReencryptsAndRemainsDecryptable(t *testing.T) {
	v, rdb := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "rotating", "original-value"))

	oldCiphertext, err := rdb.Get(ctx, keyspace.SecretKey("rotating")).Result()
	require.NoError(t, err)

	require.NoError(t, v.Rotate(ctx))

	newCiphertext, err := rdb.Get(ctx, keyspace.SecretKey("rotating")).Result()
	require.NoError(t, err)
	require.NotEqual(t, oldCiphertext, newCiphertext)

	got, ok, err := v.Resolve(ctx, "rotating")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "original-value", got)
}

func TestRotateDeletesRecoveryKeyWhenDone(t *testing.T) {
	v, rdb := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "x", "y"))
	require.NoError(t, v.Rotate(ctx))

	exists, err := rdb.Exists(ctx, keyspace.VaultRecoveryKeyKey()).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestDecryptWithRecoveryKeyDuringRotationWindow(t *testing.T) {
	v, rdb := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "s", "value-before-rotation"))

	oldKey, err := v.currentKey()
	require.NoError(t, err)
	oldCiphertext, err := rdb.Get(ctx, keyspace.SecretKey("s")).Result()
	require.NoError(t, err)

	require.NoError(t, v.Rotate(ctx))

	// Simulate a reader that captured the old ciphertext before rotation but
	// reads after step 3 (password file already replaced): it must still
	// decrypt by falling back to a manually-published recovery key.
	require.NoError(t, rdb.Set(ctx, keyspace.VaultRecoveryKeyKey(), hex.EncodeToString(oldKey), keyspace.VaultRecoveryKeyTTL).Err())
	plaintext, err := v.decryptWithRecovery(ctx, oldCiphertext)
	require.NoError(t, err)
	require.Equal(t, "value-before-rotation", plaintext)
}
