package vault

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	priv, err := Create(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := Open(path, func() (string, error) { return "correct horse battery staple", nil })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(priv) {
		t.Fatalf("decrypted key does not match original")
	}
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	if _, err := Create(path, "correct"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Open(path, func() (string, error) { return "incorrect", nil }); err == nil {
		t.Fatalf("expected error opening vault with wrong passphrase")
	}
}

func TestCreateWritesFileAtRestrictedMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	if _, err := Create(path, "pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("vault file mode = %v, want 0600", info.Mode().Perm())
	}
}
