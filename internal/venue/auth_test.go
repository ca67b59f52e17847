package venue

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strconv"
	"testing"
	"time"
)

func generateTestKeyPKCS8(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling pkcs8: %v", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func generateTestKeyPKCS1(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), key
}

func TestNewCredentials_PKCS8(t *testing.T) {
	pem := generateTestKeyPKCS8(t)
	creds, err := NewCredentials("test-key", pem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.APIKey != "test-key" {
		t.Errorf("expected api key preserved, got %q", creds.APIKey)
	}
}

func TestNewCredentials_PKCS1(t *testing.T) {
	pemStr, _ := generateTestKeyPKCS1(t)
	creds, err := NewCredentials("test-key", pemStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.APIKey != "test-key" {
		t.Errorf("expected api key preserved, got %q", creds.APIKey)
	}
}

func TestNewCredentials_InvalidPEM(t *testing.T) {
	if _, err := NewCredentials("test-key", "not a pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestSignWebSocketRequest_MessageShapeAndVerify(t *testing.T) {
	pemStr, key := generateTestKeyPKCS1(t)
	creds, err := NewCredentials("test-key", pemStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := time.Now().UnixMilli()
	ts, sig, err := creds.SignWebSocketRequest("/trade-api/ws/v2")
	after := time.Now().UnixMilli()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tsNum, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		t.Fatalf("timestamp not numeric: %v", err)
	}
	if tsNum < before || tsNum > after {
		t.Fatalf("timestamp %d out of expected range [%d, %d]", tsNum, before, after)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature not valid base64: %v", err)
	}

	message := ts + "GET/trade-api/ws/v2"
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sigBytes, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}
