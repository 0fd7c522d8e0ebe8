// Package vault implements the secret store (spec §4.4): AES-256-GCM secrets
// keyed by name, a scrypt-derived key read from a per-install password file,
// bulk decrypt caching, and hot key rotation via a short-lived recovery key
// published to Redis so concurrent readers never observe an undecryptable
// ciphertext.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/scrypt"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

const (
	passwordFileName = "scalyclaw.ps"
	passwordFileMode = 0o600
	keyLen           = 32 // AES-256
	nonceLen         = 12
	tagLen           = 16

	bulkCacheTTL = 30 * time.Second
)

// scryptSalt is fixed per spec §4.4 ("scrypt from a per-install password
// file ... with a fixed salt"): secrecy comes from the password file
// contents, not the salt, which only needs to differ from other scrypt
// callers in this binary.
var scryptSalt = []byte("scalyclaw-vault-v1")

// Vault is the process handle for secret storage. One Vault is owned
// exclusively by the node process (spec §3, "Ownership").
type Vault struct {
	redis        *redis.Client
	log          telemetry.Logger
	passwordPath string

	mu        sync.Mutex
	keyMtime  time.Time
	key       []byte
	bulkAt    time.Time
	bulkCache map[string]string
}

// Options configures New.
type Options struct {
	Redis  *redis.Client
	Logger telemetry.Logger
	// HomeDir overrides where the password file is read/written. Defaults to
	// os.UserHomeDir().
	HomeDir string
}

// New constructs a Vault, creating the password file if absent.
func New(opts Options) (*Vault, error) {
	if opts.Redis == nil {
		return nil, errors.New("vault: redis client is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	home := opts.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("vault: resolve home dir: %w", err)
		}
		home = h
	}
	v := &Vault{
		redis:        opts.Redis,
		log:          log,
		passwordPath: filepath.Join(home, passwordFileName),
	}
	if err := v.ensurePasswordFile(); err != nil {
		return nil, err
	}
	return v, nil
}

// ensurePasswordFile creates the password file atomically with random
// contents if it does not already exist.
func (v *Vault) ensurePasswordFile() error {
	if _, err := os.Stat(v.passwordPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("vault: stat password file: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("vault: generate password: %w", err)
	}
	return writeFileAtomic(v.passwordPath, []byte(hex.EncodeToString(secret)), passwordFileMode)
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers never observe a partially-written file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vault: rename temp file: %w", err)
	}
	ok = true
	return nil
}

// currentKey returns the scrypt-derived key for the password file, caching
// it against the file's mtime so repeated Resolve calls don't re-derive.
func (v *Vault) currentKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentKeyLocked()
}

func (v *Vault) currentKeyLocked() ([]byte, error) {
	fi, err := os.Stat(v.passwordPath)
	if err != nil {
		return nil, fmt.Errorf("vault: stat password file: %w", err)
	}
	if v.key != nil && fi.ModTime().Equal(v.keyMtime) {
		return v.key, nil
	}
	contents, err := os.ReadFile(v.passwordPath)
	if err != nil {
		return nil, fmt.Errorf("vault: read password file: %w", err)
	}
	key, err := deriveKey(contents)
	if err != nil {
		return nil, err
	}
	v.key = key
	v.keyMtime = fi.ModTime()
	v.bulkCache = nil
	return key, nil
}

func deriveKey(password []byte) ([]byte, error) {
	key, err := scrypt.Key(password, scryptSalt, 1<<15, 8, 1, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// Store encrypts plaintext under the current key and writes secret:{name}.
func (v *Vault) Store(ctx context.Context, name, plaintext string) error {
	key, err := v.currentKey()
	if err != nil {
		return err
	}
	ct, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}
	if err := v.redis.Set(ctx, keyspace.SecretKey(name), ct, 0).Err(); err != nil {
		return fmt.Errorf("vault: write secret: %w", err)
	}
	v.mu.Lock()
	v.bulkCache = nil
	v.mu.Unlock()
	return nil
}

// Resolve decrypts and returns the named secret, or ("", false, nil) if it
// does not exist.
func (v *Vault) Resolve(ctx context.Context, name string) (string, bool, error) {
	ct, err := v.redis.Get(ctx, keyspace.SecretKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vault: read secret: %w", err)
	}
	plaintext, err := v.decryptWithRecovery(ctx, ct)
	if err != nil {
		return "", false, err
	}
	return plaintext, true, nil
}

// ResolveAll decrypts every stored secret, returning name -> plaintext.
// Individual decrypt failures are logged and the secret is omitted from the
// result rather than substituted (spec §4.4, "Failure semantics").
// Results are cached for bulkCacheTTL to amortize across subprocess spawns.
func (v *Vault) ResolveAll(ctx context.Context) (map[string]string, error) {
	v.mu.Lock()
	if v.bulkCache != nil && time.Since(v.bulkAt) < bulkCacheTTL {
		cached := make(map[string]string, len(v.bulkCache))
		for k, val := range v.bulkCache {
			cached[k] = val
		}
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	names, err := v.List(ctx)
	if err != nil {
		return nil, err
	}

	pipe := v.redis.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.Get(ctx, keyspace.SecretKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("vault: bulk read secrets: %w", err)
	}

	result := make(map[string]string, len(names))
	for name, cmd := range cmds {
		ct, err := cmd.Result()
		if err != nil {
			continue
		}
		plaintext, err := v.decryptWithRecovery(ctx, ct)
		if err != nil {
			v.log.Warn(ctx, "vault: decrypt secret failed, omitting from bulk result", "name", name, "err", err)
			continue
		}
		result[name] = plaintext
	}

	v.mu.Lock()
	v.bulkCache = make(map[string]string, len(result))
	for k, val := range result {
		v.bulkCache[k] = val
	}
	v.bulkAt = time.Now()
	v.mu.Unlock()

	return result, nil
}

// decryptWithRecovery tries the current key first, falling back to the
// published recovery key (present only during the rotation window).
func (v *Vault) decryptWithRecovery(ctx context.Context, ciphertext string) (string, error) {
	key, err := v.currentKey()
	if err != nil {
		return "", err
	}
	plaintext, err := decrypt(key, ciphertext)
	if err == nil {
		return plaintext, nil
	}

	recoveryHex, rerr := v.redis.Get(ctx, keyspace.VaultRecoveryKeyKey()).Result()
	if rerr != nil {
		return "", fmt.Errorf("vault: decrypt failed and no recovery key available: %w", err)
	}
	recoveryKey, derr := hex.DecodeString(recoveryHex)
	if derr != nil {
		return "", fmt.Errorf("vault: decode recovery key: %w", derr)
	}
	plaintext, rerr = decrypt(recoveryKey, ciphertext)
	if rerr != nil {
		return "", fmt.Errorf("vault: decrypt failed under current and recovery keys: %w", err)
	}
	return plaintext, nil
}

// List returns all stored secret names.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	var names []string
	iter := v.redis.Scan(ctx, 0, keyspace.SecretKey("*"), 100).Iterator()
	prefix := keyspace.SecretKey("")
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("vault: scan secrets: %w", err)
	}
	return names, nil
}

// Delete removes the named secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	if err := v.redis.Del(ctx, keyspace.SecretKey(name)).Err(); err != nil {
		return fmt.Errorf("vault: delete secret: %w", err)
	}
	v.mu.Lock()
	v.bulkCache = nil
	v.mu.Unlock()
	return nil
}

// Rotate re-encrypts every secret under a freshly generated password file,
// publishing the outgoing key as a short-lived recovery key so readers that
// race the rotation still decrypt successfully (spec §4.4 algorithm).
func (v *Vault) Rotate(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldKey, err := v.currentKeyLocked()
	if err != nil {
		return err
	}

	names, err := v.List(ctx)
	if err != nil {
		return err
	}
	plaintexts := make(map[string]string, len(names))
	for _, name := range names {
		ct, err := v.redis.Get(ctx, keyspace.SecretKey(name)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("vault: read secret %q for rotation: %w", name, err)
		}
		pt, err := decrypt(oldKey, ct)
		if err != nil {
			v.log.Warn(ctx, "vault: rotation skipping undecryptable secret", "name", name, "err", err)
			continue
		}
		plaintexts[name] = pt
	}

	if err := v.redis.Set(ctx, keyspace.VaultRecoveryKeyKey(), hex.EncodeToString(oldKey), keyspace.VaultRecoveryKeyTTL).Err(); err != nil {
		return fmt.Errorf("vault: publish recovery key: %w", err)
	}

	newSecret := make([]byte, 32)
	if _, err := rand.Read(newSecret); err != nil {
		return fmt.Errorf("vault: generate new password: %w", err)
	}
	if err := writeFileAtomic(v.passwordPath, []byte(hex.EncodeToString(newSecret)), passwordFileMode); err != nil {
		return fmt.Errorf("vault: replace password file: %w", err)
	}

	newKey, err := deriveKey([]byte(hex.EncodeToString(newSecret)))
	if err != nil {
		return err
	}

	pipe := v.redis.Pipeline()
	for name, pt := range plaintexts {
		ct, err := encrypt(newKey, pt)
		if err != nil {
			return fmt.Errorf("vault: re-encrypt secret %q: %w", name, err)
		}
		pipe.Set(ctx, keyspace.SecretKey(name), ct, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vault: write re-encrypted secrets: %w", err)
	}

	if err := v.redis.Del(ctx, keyspace.VaultRecoveryKeyKey()).Err(); err != nil {
		v.log.Warn(ctx, "vault: delete recovery key after rotation failed", "err", err)
	}

	fi, err := os.Stat(v.passwordPath)
	if err != nil {
		return fmt.Errorf("vault: stat rotated password file: %w", err)
	}
	v.key = newKey
	v.keyMtime = fi.ModTime()
	v.bulkCache = nil
	return nil
}

// encrypt AEAD-seals plaintext under key, returning "iv:authTag:payload" hex
// per spec §3 ("Secret" data model).
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagLen {
		return "", errors.New("vault: sealed output shorter than auth tag")
	}
	payload := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(payload),
	}, ":"), nil
}

// decrypt reverses encrypt.
func decrypt(key []byte, ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("vault: malformed ciphertext: expected iv:authTag:payload")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("vault: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("vault: decode auth tag: %w", err)
	}
	payload, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("vault: decode payload: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}
	sealed := append(payload, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plaintext), nil
}
