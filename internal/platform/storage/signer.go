package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer signs V4 URL payloads on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with an RSA key held in process.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewSigner accepts either a service account JSON document or a PEM key, in which case email names
// the account. Escaped newlines left by env files are restored.
func NewSigner(email, key string) (*KeySigner, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "{") {
		var doc struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(key), &doc); err != nil {
			return nil, fmt.Errorf("storage: signer key json: %w", err)
		}
		email, key = doc.ClientEmail, doc.PrivateKey
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer email is required")
	}

	block, _ := pem.Decode([]byte(strings.ReplaceAll(strings.TrimSpace(key), `\n`, "\n")))
	if block == nil {
		return nil, errors.New("storage: signer key is not PEM encoded")
	}
	rsaKey, err := rsaKeyFromDER(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: rsaKey}, nil
}

// rsaKeyFromDER reads PKCS#8 first, which is what Google issues, then PKCS#1.
func rsaKeyFromDER(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		rsaKey, pkcs1Err := x509.ParsePKCS1PrivateKey(der)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("storage: signer key: %w", pkcs1Err)
		}
		return rsaKey, nil
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("storage: signer key is %T, want RSA", parsed)
	}
	return rsaKey, nil
}

func (s *KeySigner) Email() string { return s.email }

// SignBytes returns a PKCS#1 v1.5 signature over the SHA-256 digest of payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}
