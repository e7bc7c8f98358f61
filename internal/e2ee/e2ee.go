// Package e2ee implements the hybrid public-key encryption used for chat
// messages. Content is sealed with XChaCha20-Poly1305 under a fresh per-call
// key; that key is wrapped for the recipient with an anonymous NaCl box.
package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const keySize = 32

var (
	// ErrDecryption is returned for any envelope that cannot be opened with the given key.
	ErrDecryption = errors.New("decryption failed")
	// ErrInvalidKey is returned when a serialized key cannot be parsed.
	ErrInvalidKey = errors.New("invalid key")
)

// PublicKey is an X25519 public key.
type PublicKey [keySize]byte

// PrivateKey is an X25519 private key.
type PrivateKey [keySize]byte

// KeyPair is the asymmetric identity of one local user.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// Sealed is one encrypted half of a message envelope.
type Sealed struct {
	Ciphertext []byte
	WrappedKey []byte
	IV         []byte
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// Public derives the public half of a private key.
func (k PrivateKey) Public() (PublicKey, error) {
	raw, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pub PublicKey
	copy(pub[:], raw)
	return pub, nil
}

// Encrypt seals plaintext for the holder of recipient's private key.
// Every call uses a new symmetric key and IV.
func Encrypt(plaintext []byte, recipient PublicKey) (Sealed, error) {
	symKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, symKey); err != nil {
		return Sealed{}, fmt.Errorf("generate content key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(symKey)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	pub := [keySize]byte(recipient)
	wrapped, err := box.SealAnonymous(nil, symKey, &pub, rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("wrap content key: %w", err)
	}

	return Sealed{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		WrappedKey: wrapped,
		IV:         iv,
	}, nil
}

// Decrypt opens a sealed half with the owner's private key.
func Decrypt(s Sealed, owner PrivateKey) ([]byte, error) {
	symKey, err := unwrapKey(s.WrappedKey, owner)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(symKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(s.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryption, len(s.IV))
	}
	plaintext, err := aead.Open(nil, s.IV, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func unwrapKey(wrapped []byte, owner PrivateKey) ([]byte, error) {
	pub, err := owner.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	pubArr := [keySize]byte(pub)
	privArr := [keySize]byte(owner)
	symKey, ok := box.OpenAnonymous(nil, wrapped, &pubArr, &privArr)
	if !ok {
		return nil, fmt.Errorf("%w: cannot unwrap content key", ErrDecryption)
	}
	if len(symKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: content key length %d", ErrDecryption, len(symKey))
	}
	return symKey, nil
}

// String returns the transport encoding of the key.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Fingerprint is a short hex digest of the key for logs and audit records.
func (k PublicKey) Fingerprint() string {
	sum := blake2b.Sum256(k[:])
	return hex.EncodeToString(sum[:16])
}

// String returns the storage encoding of the key.
func (k PrivateKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParsePublicKey reverses PublicKey.String.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	if err := decodeKey(s, k[:]); err != nil {
		return PublicKey{}, err
	}
	return k, nil
}

// ParsePrivateKey reverses PrivateKey.String.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	if err := decodeKey(s, k[:]); err != nil {
		return PrivateKey{}, err
	}
	return k, nil
}

func decodeKey(s string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(raw))
	}
	copy(dst, raw)
	return nil
}
