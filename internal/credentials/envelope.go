package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope is returned when a stored secret cannot be opened.
var ErrInvalidEnvelope = errors.New("invalid credential envelope")

const (
	plainPrefix = "PLAIN:"
	aesPrefix   = "AES:"
	keySize     = 32
)

// Seal encrypts secret for storage. With a 32-byte key the result is
// "AES:<hex iv>:<hex ciphertext>" (AES-256-CBC, PKCS#7); without one it falls
// back to "PLAIN:<base64>".
func Seal(secret string, key []byte) (string, error) {
	if len(key) != keySize {
		return plainPrefix + base64.StdEncoding.EncodeToString([]byte(secret)), nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	data := pad([]byte(secret))
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return aesPrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Open reverses Seal. Values without a known prefix are returned unchanged
// since early rows were stored in the clear.
func Open(envelope string, key []byte) (string, error) {
	switch {
	case strings.HasPrefix(envelope, plainPrefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, plainPrefix))
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		return string(raw), nil

	case strings.HasPrefix(envelope, aesPrefix):
		return openAES(strings.TrimPrefix(envelope, aesPrefix), key)

	default:
		return envelope, nil
	}
}

func openAES(body string, key []byte) (string, error) {
	if len(key) != keySize {
		return "", fmt.Errorf("%w: ENCRYPTION_KEY must be %d bytes to open AES secrets", ErrInvalidEnvelope, keySize)
	}
	ivHex, ctHex, ok := strings.Cut(body, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv separator", ErrInvalidEnvelope)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrInvalidEnvelope)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrInvalidEnvelope)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding (wrong key?)", ErrInvalidEnvelope)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding (wrong key?)", ErrInvalidEnvelope)
		}
	}
	return b[:len(b)-n], nil
}
