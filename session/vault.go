////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Data lengths.
const (
	// keyLen is the length of the key derived from the password.
	keyLen = chacha20poly1305.KeySize

	// saltLen is the length of the salt. Recommended to be 16 bytes here:
	// https://datatracker.ietf.org/doc/html/draft-irtf-cfrg-argon2-04#section-3.1
	saltLen = 16
)

// vaultFile is the name of the vault file inside the data directory.
const vaultFile = "tern.vault"

// Error messages.
const (
	noVaultErr        = "no cached session token"
	readVaultErr      = "could not read vault file"
	vaultUnmarshalErr = "failed to unmarshal vault file: %+v"
	writeVaultErr     = "could not write vault file"
	removeVaultErr    = "could not remove vault file"
	wrongPasswordErr  = "wrong password for the cached session token"
	readNonceLenErr   = "read %d bytes, too short to decrypt"
	decryptWithKeyErr = "cannot decrypt with password: %+v"
	readSaltErr       = "could not generate salt: %+v"
	saltNumBytesErr   = "expected %d bytes for salt, found %d bytes"
)

// Vault caches the remote session token on disk, encrypted at rest with a key
// derived from the user's password. Signing in while a vault exists skips the
// credential exchange; clearing it on sign-out forgets the device.
type Vault struct {
	path string
}

// NewVault returns the vault stored in the given data directory. The vault
// file may or may not exist yet.
func NewVault(dir string) *Vault {
	return &Vault{path: filepath.Join(dir, vaultFile)}
}

// vaultFileFormat is the on-disk layout: everything the decrypt side needs
// next to the sealed token, so old vaults survive parameter upgrades.
type vaultFileFormat struct {
	Salt   []byte      `json:"salt"`
	Params argonParams `json:"params"`
	Token  []byte      `json:"token"`
}

// Exists reports whether a cached token is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Save encrypts the session token with the password and writes it to disk,
// replacing any previous vault.
func (v *Vault) Save(password, token string) error {
	salt, err := makeSalt(rand.Reader)
	if err != nil {
		return err
	}

	params := defaultParams()
	key := deriveKey(password, salt, params)

	data, err := json.Marshal(vaultFileFormat{
		Salt:   salt,
		Params: params,
		Token:  encryptToken([]byte(token), key, rand.Reader),
	})
	if err != nil {
		return errors.Wrap(err, writeVaultErr)
	}

	if err = os.WriteFile(v.path, data, 0600); err != nil {
		return errors.Wrap(err, writeVaultErr)
	}

	jww.INFO.Printf("[VAULT] Cached session token at %s.", v.path)
	return nil
}

// Load decrypts and returns the cached session token. A missing vault returns
// ErrNotFound; a wrong password surfaces as a validation failure.
func (v *Vault) Load(password string) (string, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return "", errors.WithMessage(remote.ErrNotFound, noVaultErr)
	} else if err != nil {
		return "", errors.Wrap(err, readVaultErr)
	}

	var vf vaultFileFormat
	if err = json.Unmarshal(data, &vf); err != nil {
		return "", errors.Errorf(vaultUnmarshalErr, err)
	}

	key := deriveKey(password, vf.Salt, vf.Params)
	token, err := decryptToken(vf.Token, key)
	if err != nil {
		jww.WARN.Printf("[VAULT] Failed to decrypt cached token: %+v", err)
		return "", errors.WithMessage(remote.ErrValidation, wrongPasswordErr)
	}

	return string(token), nil
}

// ChangePassword re-encrypts the cached token under a new password. The old
// password must still open the vault.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	token, err := v.Load(oldPassword)
	if err != nil {
		return err
	}
	return v.Save(newPassword, token)
}

// Clear deletes the cached token. Clearing an empty vault is not an error.
func (v *Vault) Clear() error {
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, removeVaultErr)
	}
	return nil
}

// encryptToken seals the token using XChaCha20-Poly1305 with a random nonce
// prepended to the ciphertext.
func encryptToken(token, key []byte, csprng io.Reader) []byte {
	chaCipher := initChaCha20Poly1305(key)
	nonce := make([]byte, chaCipher.NonceSize())
	if _, err := io.ReadFull(csprng, nonce); err != nil {
		jww.FATAL.Panicf("Could not generate nonce: %+v", err)
	}
	return chaCipher.Seal(nonce, nonce, token, nil)
}

// decryptToken opens a nonce-prefixed XChaCha20-Poly1305 ciphertext.
func decryptToken(data, key []byte) ([]byte, error) {
	chaCipher := initChaCha20Poly1305(key)
	nonceLen := chaCipher.NonceSize()
	if (len(data) - nonceLen) <= 0 {
		return nil, errors.Errorf(readNonceLenErr, len(data))
	}
	nonce, ciphertext := data[:nonceLen], data[nonceLen:]
	plaintext, err := chaCipher.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Errorf(decryptWithKeyErr, err)
	}
	return plaintext, nil
}

// initChaCha20Poly1305 returns an XChaCha20-Poly1305 cipher.AEAD that uses
// the given key hashed into a 256-bit key.
func initChaCha20Poly1305(key []byte) cipher.AEAD {
	keyHash := blake2b.Sum256(key)
	chaCipher, err := chacha20poly1305.NewX(keyHash[:])
	if err != nil {
		jww.FATAL.Panicf("Could not init XChaCha20Poly1305 mode: %+v", err)
	}
	return chaCipher
}

// argonParams contains the cost parameters used by Argon2.
type argonParams struct {
	Time    uint32 `json:"time"`    // Number of passes over the memory
	Memory  uint32 `json:"memory"`  // Amount of memory used in KiB
	Threads uint8  `json:"threads"` // Number of threads used
}

// defaultParams returns the recommended general purpose parameters.
func defaultParams() argonParams {
	return argonParams{
		Time:    1,
		Memory:  64 * 1024, // ~64 MB
		Threads: 4,
	}
}

// deriveKey derives a key from a user supplied password and a salt via the
// Argon2 algorithm.
func deriveKey(password string, salt []byte, params argonParams) []byte {
	return argon2.IDKey([]byte(password), salt,
		params.Time, params.Memory, params.Threads, keyLen)
}

// makeSalt generates a salt of the correct length for key generation.
func makeSalt(csprng io.Reader) ([]byte, error) {
	b := make([]byte, saltLen)
	size, err := csprng.Read(b)
	if err != nil {
		return nil, errors.Errorf(readSaltErr, err)
	} else if size != saltLen {
		return nil, errors.Errorf(saltNumBytesErr, saltLen, size)
	}

	return b, nil
}
