// Package vault implements the on-disk encrypted key store: AES-256-GCM
// over a PBKDF2-SHA256-derived key, written atomically via a temp-file-
// then-rename sequence grounded on accounts/keystore/key.go's
// writeTemporaryKeyFile/writeKeyFile idiom.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tos-network/cascade/crypto/ed25519"
	"github.com/tos-network/cascade/errs"
	"github.com/tos-network/cascade/params"
)

// onDisk is the JSON envelope persisted at the vault path. Id follows
// accounts/keystore's own key-file idiom of a stable UUID distinct from
// the derived DID, so a vault file can be referenced before it's unlocked.
type onDisk struct {
	Id         string `json:"id"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// PassphraseFunc supplies the vault passphrase. The core never sees the
// passphrase directly; only this narrow callback does.
type PassphraseFunc func() (string, error)

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, params.VaultPBKDF2Iterations, 32, sha256.New)
}

// Create generates a fresh Ed25519 identity, encrypts its private key
// under passphrase, and writes it atomically to path at mode 0600.
func Create(path string, passphrase string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := save(path, priv, passphrase); err != nil {
		return nil, err
	}
	return priv, nil
}

func save(path string, priv ed25519.PrivateKey, passphrase string) error {
	salt := make([]byte, params.VaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, params.VaultNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, priv, nil)

	content, err := json.Marshal(onDisk{Id: uuid.New().String(), Salt: salt, Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return err
	}
	return writeKeyFile(path, content)
}

// Open reads the vault at path and decrypts its private key using the
// passphrase supplied by the callback, erroring with ErrVaultLocked when
// decryption fails (wrong passphrase or altered ciphertext). A file that
// is not valid JSON yields a KindMalformed error instead.
func Open(path string, passphrase PassphraseFunc) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, fmt.Errorf("vault: %w", err))
	}

	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	key := deriveKey(pass, d.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, d.Nonce, d.Ciphertext, nil)
	if err != nil {
		return nil, errs.ErrVaultLocked
	}
	return ed25519.PrivateKey(plain), nil
}

func writeTemporaryKeyFile(file string, content []byte) (string, error) {
	const dirPerm = 0700
	if err := os.MkdirAll(filepath.Dir(file), dirPerm); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

func writeKeyFile(file string, content []byte) error {
	name, err := writeTemporaryKeyFile(file, content)
	if err != nil {
		return err
	}
	return os.Rename(name, file)
}
