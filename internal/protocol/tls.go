package protocol

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/ionrelay/ionrelay/internal/config"
)

// buildTLSConfig resolves a listener's TLS material: explicit cert/key
// files, a tls=dir convention (dir/cert.pem + dir/key.pem), or an
// ephemeral self-signed certificate for local development.
func buildTLSConfig(l config.Listener, selfSigned bool, serverName string) (*tls.Config, error) {
	switch {
	case l.CertFile != "" && l.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("protocol: loading TLS keypair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil

	case l.TLSDir != "":
		cert, err := tls.LoadX509KeyPair(
			filepath.Join(l.TLSDir, "cert.pem"),
			filepath.Join(l.TLSDir, "key.pem"),
		)
		if err != nil {
			return nil, fmt.Errorf("protocol: loading TLS keypair from %s: %w", l.TLSDir, err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil

	case selfSigned || l.TLS:
		cert, err := generateSelfSigned(serverName)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}
	return nil, fmt.Errorf("protocol: listener %s requires TLS but no certificate source is configured", l)
}

// generateSelfSigned mints an in-memory certificate valid for a year,
// good enough for local development and testing against -tls.
func generateSelfSigned(serverName string) (tls.Certificate, error) {
	if serverName == "" {
		serverName = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("protocol: generating TLS key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("protocol: generating serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverName},
		DNSNames:     []string{serverName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("protocol: creating certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
