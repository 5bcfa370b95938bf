package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealVersion    = 1
	sealAlg        = "AES-GCM"
	sealKDF        = "PBKDF2-SHA256"
	sealIterations = 150000
	sealKeySize    = 32
	sealSaltSize   = 16
	sealNonceSize  = 12
)

var (
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted data")
	ErrUnsupported   = errors.New("unsupported sealed payload")
)

// Sealed is a passphrase-encrypted payload. Binary fields are standard
// base64.
type Sealed struct {
	V    int    `json:"v"`
	Alg  string `json:"alg"`
	KDF  string `json:"kdf"`
	Iter int    `json:"iter"`
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	CT   string `json:"ct"`
}

func deriveKey(passphrase string, salt []byte, iter int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iter, sealKeySize, sha256.New)
}

// Seal encrypts plaintext with a key derived from passphrase.
func Seal(plaintext, passphrase string) (Sealed, error) {
	return sealWithIterations(plaintext, passphrase, sealIterations)
}

func sealWithIterations(plaintext, passphrase string, iter int) (Sealed, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Sealed{}, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	key := deriveKey(passphrase, salt, iter)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return Sealed{
		V:    sealVersion,
		Alg:  sealAlg,
		KDF:  sealKDF,
		Iter: iter,
		Salt: base64.StdEncoding.EncodeToString(salt),
		IV:   base64.StdEncoding.EncodeToString(nonce),
		CT:   base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open decrypts a payload produced by Seal.
func Open(s Sealed, passphrase string) (string, error) {
	if s.V != sealVersion || s.Alg != sealAlg || s.KDF != sealKDF || s.Iter <= 0 {
		return "", fmt.Errorf("%w: v=%d alg=%s kdf=%s", ErrUnsupported, s.V, s.Alg, s.KDF)
	}
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.CT)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != sealNonceSize {
		return "", fmt.Errorf("%w: iv length %d", ErrUnsupported, len(nonce))
	}

	key := deriveKey(passphrase, salt, s.Iter)
	defer zero(key)
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrBadPassphrase
	}
	return string(pt), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
