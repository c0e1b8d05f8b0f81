package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(os.TempDir(), "converge-identity-test", t.Name(), "identity.json")
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	store, err := Open(newTestPath(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	u, err := store.Bootstrap("alice", "s3cret")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !u.Admin {
		t.Fatalf("expected bootstrap user to be admin")
	}

	if _, err := store.Bootstrap("bob", "other"); err == nil {
		t.Fatalf("expected second bootstrap to fail")
	}
}

func TestCreateUserRejectsDuplicateHandle(t *testing.T) {
	store, err := Open(newTestPath(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Bootstrap("alice", "s3cret"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := store.CreateUser("bob", "pw"); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if _, err := store.CreateUser("bob", "pw2"); err == nil {
		t.Fatalf("expected duplicate handle to be rejected")
	}
}

func TestVerifyRecoverySecret(t *testing.T) {
	store, err := Open(newTestPath(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Bootstrap("alice", "correct-secret"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !store.VerifyRecoverySecret("alice", "correct-secret") {
		t.Fatalf("expected correct secret to verify")
	}
	if store.VerifyRecoverySecret("alice", "wrong-secret") {
		t.Fatalf("expected wrong secret to fail verification")
	}
}

func TestIssueTokenAndAuthenticate(t *testing.T) {
	store, err := Open(newTestPath(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Bootstrap("alice", "s3cret"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	token, err := store.IssueToken("alice", "ci", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	identity, ok := store.Authenticate(token)
	if !ok || identity.Handle != "alice" {
		t.Fatalf("expected token to authenticate as alice, got %+v ok=%v", identity, ok)
	}

	if _, ok := store.Authenticate("not-a-real-token"); ok {
		t.Fatalf("expected unknown token to fail authentication")
	}
}

func TestRevokeTokenInvalidatesIt(t *testing.T) {
	store, err := Open(newTestPath(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Bootstrap("alice", "s3cret"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	token, err := store.IssueToken("alice", "ci", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := store.RevokeToken("alice", token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok := store.Authenticate(token); ok {
		t.Fatalf("expected revoked token to fail authentication")
	}
}

func TestOpenReloadsPersistedUsers(t *testing.T) {
	path := newTestPath(t)
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Bootstrap("alice", "s3cret"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.ByHandle("alice") == nil {
		t.Fatalf("expected alice to survive reload")
	}
}
