// Package vault owns every credential primitive in the controller:
// password and API-key hashing, TOTP-secret encryption at rest, and
// random token generation. Nothing outside this package touches bcrypt
// or the encryption key directly.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// API keys look like fox_<id>.<secret>. The id is stored in clear for
	// lookup; only the bcrypt hash of the secret is persisted.
	runnerKeyPrefix    = "fox_"
	provisionKeyPrefix = "foxp_"

	keyIDBytes     = 8
	keySecretBytes = 32
)

// dummyHash is compared against when a lookup misses, so the missing and
// wrong-password paths cost the same.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Vault struct {
	aead cipher.AEAD
}

// Open loads the encryption key from keyFile, generating one with
// owner-only permissions on first start.
func Open(keyFile string) (*Vault, error) {
	key, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(key) != 32 {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("chmod: %w", err)
	}
	if _, err := tmp.Write([]byte(hex.EncodeToString(key) + "\n")); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename: %w", err)
	}
	return key, nil
}

// ── Passwords ──

func (v *Vault) HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (v *Vault) VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns a bcrypt comparison on the missing-record path so
// callers take the same time whether or not the username exists.
func (v *Vault) VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// ── API keys ──

// APIKey is a freshly minted key. Full is shown to the caller exactly once;
// only ID and Hash are stored.
type APIKey struct {
	Full string
	ID   string
	Hash string
}

// NewRunnerKey mints a runner API key: fox_<id>.<secret>.
func (v *Vault) NewRunnerKey() (*APIKey, error) {
	return v.newKey(runnerKeyPrefix)
}

// NewProvisionKey mints a provisioning key: foxp_<id>.<secret>.
func (v *Vault) NewProvisionKey() (*APIKey, error) {
	return v.newKey(provisionKeyPrefix)
}

func (v *Vault) newKey(prefix string) (*APIKey, error) {
	idb := make([]byte, keyIDBytes)
	if _, err := rand.Read(idb); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	secb := make([]byte, keySecretBytes)
	if _, err := rand.Read(secb); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}

	id := hex.EncodeToString(idb)
	secret := hex.EncodeToString(secb)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash key secret: %w", err)
	}

	return &APIKey{
		Full: prefix + id + "." + secret,
		ID:   id,
		Hash: string(hash),
	}, nil
}

// ParseRunnerKey splits a presented runner key into (id, secret).
func ParseRunnerKey(full string) (id, secret string, ok bool) {
	return parseKey(full, runnerKeyPrefix)
}

// ParseProvisionKey splits a presented provisioning key into (id, secret).
func ParseProvisionKey(full string) (id, secret string, ok bool) {
	return parseKey(full, provisionKeyPrefix)
}

func parseKey(full, prefix string) (string, string, bool) {
	rest, found := strings.CutPrefix(full, prefix)
	if !found {
		return "", "", false
	}
	id, secret, found := strings.Cut(rest, ".")
	if !found || len(id) != keyIDBytes*2 || len(secret) != keySecretBytes*2 {
		return "", "", false
	}
	return id, secret, true
}

// HashKeySecret stores the secret half of a key the client minted itself,
// as enrollment does.
func (v *Vault) HashKeySecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key secret: %w", err)
	}
	return string(h), nil
}

// VerifyKeySecret compares a presented secret against the stored hash.
func (v *Vault) VerifyKeySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// ── TOTP secret encryption ──

// Encrypt seals a TOTP secret for storage. Output is base64(nonce||ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed secret. Returns ok=false on any tampering or
// key mismatch; callers treat that as the credential being unusable.
func (v *Vault) Decrypt(sealed string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", false
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", false
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}

// ── Tokens ──

// NewToken returns a 256-bit random token, base64url without padding.
// Used for sessions, CSRF cookies, and enrollment tokens.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewPassword returns a human-typeable random password for bootstrap and
// admin resets.
func NewPassword() (string, error) {
	b := make([]byte, 15)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
