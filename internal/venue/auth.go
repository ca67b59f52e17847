package venue

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// Credentials holds a signed-handshake venue's API key and private key,
// bound at construction from PEM text in either PKCS#8 or PKCS#1 form.
type Credentials struct {
	APIKey     string
	privateKey *rsa.PrivateKey
}

// NewCredentials parses a PEM-encoded RSA private key, accepting both
// PKCS#8 ("BEGIN PRIVATE KEY") and PKCS#1 ("BEGIN RSA PRIVATE KEY") forms.
func NewCredentials(apiKey, privateKeyPEM string) (*Credentials, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("venue: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("venue: PKCS#8 key is not RSA")
		}
		return &Credentials{APIKey: apiKey, privateKey: rsaKey}, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("venue: parsing private key (tried PKCS#8 and PKCS#1): %w", err)
	}
	return &Credentials{APIKey: apiKey, privateKey: rsaKey}, nil
}

// SignWebSocketRequest signs the canonical request for the given path and
// returns (millisecond timestamp string, base64 RSA-PSS/SHA-256 signature).
// The signed message is exactly "{timestamp}GET{canonicalPath}".
func (c *Credentials) SignWebSocketRequest(canonicalPath string) (timestamp, signature string, err error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := c.signMessage(ts + "GET" + canonicalPath)
	if err != nil {
		return "", "", err
	}
	return ts, sig, nil
}

func (c *Credentials) signMessage(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("venue: signing message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
