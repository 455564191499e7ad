package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrWrongPassphrase is returned when an operator keystore cannot be
// decrypted with the supplied passphrase.
var ErrWrongPassphrase = errors.New("crypto: wrong keystore passphrase")

// Operator keystores use the standard scrypt profile. Tests drop to the light
// profile through SetLightScrypt.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

func SetLightScrypt() {
	scryptN = keystore.LightScryptN
	scryptP = keystore.LightScryptP
}

// SaveToKeystore encrypts an operator key into a v3 keystore at path. The
// plaintext address field carries the operator identity so it can be read
// back with KeystoreIdentity without the passphrase. The file is written next
// to its destination and renamed into place with 0600 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil operator key")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	encoded, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt operator key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".operator-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts an operator keystore. A mismatched passphrase
// reports ErrWrongPassphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	keyJSON, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, fmt.Errorf("%w: %s", ErrWrongPassphrase, path)
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", path, err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeystoreIdentity returns the operator identity recorded in a keystore
// without decrypting it.
func KeystoreIdentity(path string) ([20]byte, error) {
	var id [20]byte
	keyJSON, err := readKeystore(path)
	if err != nil {
		return id, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return id, fmt.Errorf("crypto: parse keystore %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(header.Address, "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("crypto: keystore %s has no operator address", path)
	}
	copy(id[:], raw)
	return id, nil
}

func readKeystore(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	return os.ReadFile(path)
}
