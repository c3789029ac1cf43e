// Package crt generates the self-signed TLS certificates the sender
// package's HTTPS listener presents to peers, grounded on the reference
// tree's generateSelfSignedCert (same ECDSA-P256 self-sign shape), adapted
// to embed a node's consensus Address — derived by the keys package, not
// re-derived locally — rather than a one-off Bitcoin address.
package crt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"dex/logs"
	"dex/types"
)

// GenerateSelfSignedCert writes a self-signed ECDSA certificate/key pair
// to certPath/keyPath, tagging the certificate's Subject with address so
// a peer dialing in can log which node it connected to before any
// higher-level identity check runs.
func GenerateSelfSignedCert(certPath, keyPath string, address types.Address) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("crt: generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{address.String()},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("crt: create certificate: %w", err)
	}

	certFile, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("crt: create cert file: %w", err)
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return fmt.Errorf("crt: encode cert: %w", err)
	}

	keyFile, err := os.Create(keyPath)
	if err != nil {
		return fmt.Errorf("crt: create key file: %w", err)
	}
	defer keyFile.Close()
	privBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("crt: marshal key: %w", err)
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("crt: encode key: %w", err)
	}

	logs.Debug("generated self-signed certificate for %s at %s", address, certPath)
	return nil
}

// EnsureSelfSignedCert leaves the files untouched when both the cert and
// the key already exist; if either is missing it generates a fresh pair,
// overwriting whichever of the two does exist.
func EnsureSelfSignedCert(certPath, keyPath string, address types.Address) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}
	return GenerateSelfSignedCert(certPath, keyPath, address)
}
