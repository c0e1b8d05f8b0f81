// Package identity is the ambient users/tokens store (§4.8): bearer-token
// issuance and verification, bcrypt-hashed recovery secrets, and
// bootstrap-once admin creation. Grounded on teacher's auth/ package
// (credential-handling conventions, Resource/Access vocabulary) and
// auth/basic/htpasswd.go's use of golang.org/x/crypto/bcrypt for
// credential hashing.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/uuid"
	"github.com/converge/converge/metrics"
	"golang.org/x/crypto/bcrypt"
)

// User is one registered account. RecoverySecretHash is a bcrypt hash, never
// the plaintext secret; Tokens maps a token's SHA-256 hex digest (the
// lookup index, never the bearer token itself) to its record.
type User struct {
	Identity           model.Identity    `json:"identity"`
	RecoverySecretHash string            `json:"recovery_secret_hash"`
	Admin              bool              `json:"admin"`
	Tokens             map[string]*Token `json:"tokens"`
}

// Token is one issued bearer token, indexed by the SHA-256 hex digest of
// its plaintext value (§4.8: "hash bearer tokens with SHA-256 for the
// lookup index" — unlike the recovery secret, a token is a high-entropy
// random value, so a fast digest suffices and avoids bcrypt's cost on
// every authenticated request).
type Token struct {
	Label    string `json:"label"`
	IssuedAt string `json:"issued_at"`
}

// Store is the persisted, lock-guarded set of all users, keyed by handle.
type Store struct {
	mu    sync.RWMutex
	path  string
	users map[string]*User
}

// Open loads the identity store file at path, or starts empty if it does
// not yet exist (the store has no implicit "first user" — see Bootstrap).
func Open(path string) (*Store, error) {
	s := &Store{path: path, users: map[string]*User{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.users); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) save() error {
	b, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + "." + uuid.NewString() + ".tmp"
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Bootstrap creates the first admin user. It returns errcode.Conflict if
// any user already exists (§9 "bootstrap-once semantics", modeled on
// handlers_system/bootstrap.rs's one-time owner-bootstrap endpoint).
func (s *Store) Bootstrap(handle, recoverySecret string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.users) > 0 {
		return nil, errcode.New(errcode.Conflict, "identity store already bootstrapped")
	}
	return s.createLocked(handle, recoverySecret, true)
}

// CreateUser registers a new, non-admin user. Returns errcode.Conflict if
// the handle is already taken.
func (s *Store) CreateUser(handle, recoverySecret string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[handle]; exists {
		return nil, errcode.New(errcode.Conflict, "handle %q already registered", handle)
	}
	return s.createLocked(handle, recoverySecret, false)
}

func (s *Store) createLocked(handle, recoverySecret string, admin bool) (*User, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return nil, errcode.New(errcode.BadRequest, "%s", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(recoverySecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, errcode.New(errcode.Internal, "hash recovery secret: %s", err)
	}
	u := &User{
		Identity:           model.Identity{Handle: handle, UserID: uuid.NewString()},
		RecoverySecretHash: string(hash),
		Admin:              admin,
		Tokens:             map[string]*Token{},
	}
	s.users[handle] = u
	if err := s.save(); err != nil {
		return nil, err
	}
	return u, nil
}

// VerifyRecoverySecret reports whether secret matches the stored bcrypt
// hash for handle, constant-time with respect to bcrypt's own comparison.
func (s *Store) VerifyRecoverySecret(handle, secret string) bool {
	s.mu.RLock()
	u, ok := s.users[handle]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.RecoverySecretHash), []byte(secret)) == nil
}

// IssueToken mints a new bearer token for handle, stores only its SHA-256
// digest, and returns the plaintext value once — callers must persist it
// themselves, since the store never retains it.
func (s *Store) IssueToken(handle, label string, now string) (plaintext string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[handle]
	if !ok {
		return "", errcode.New(errcode.NotFound, "no such user %q", handle)
	}
	plaintext = uuid.NewString() + uuid.NewString()
	digest := tokenDigest(plaintext)
	u.Tokens[digest] = &Token{Label: label, IssuedAt: now}
	if err := s.save(); err != nil {
		return "", err
	}
	return plaintext, nil
}

// RevokeToken deletes the token matching plaintext's digest from handle's
// account, if present.
func (s *Store) RevokeToken(handle, plaintext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[handle]
	if !ok {
		return errcode.New(errcode.NotFound, "no such user %q", handle)
	}
	delete(u.Tokens, tokenDigest(plaintext))
	return s.save()
}

// Authenticate resolves a bearer token to the identity that owns it, or
// reports ok=false if the token is unknown. Lookup compares digests, never
// plaintext tokens, and the digest comparison itself is constant-time to
// avoid a timing oracle on the lookup index.
func (s *Store) Authenticate(plaintext string) (identity model.Identity, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest := tokenDigest(plaintext)
	for _, u := range s.users {
		for known := range u.Tokens {
			if subtle.ConstantTimeCompare([]byte(known), []byte(digest)) == 1 {
				metrics.AuthAttempts.WithValues("ok").Inc(1)
				return u.Identity, true
			}
		}
	}
	metrics.AuthAttempts.WithValues("denied").Inc(1)
	return model.Identity{}, false
}

// ByHandle returns the user record for handle, or nil.
func (s *Store) ByHandle(handle string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[handle]
}

func tokenDigest(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
