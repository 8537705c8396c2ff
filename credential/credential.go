// Package credential supplies the certificate and private key presented by the responder
// and the TLS configurations both roles hand to the QUIC transport.
//
// Pairs are kept as raw DER: the certificate as X.509 DER, the key as PKCS#8 DER.
// On disk they live in two files, cert.der and key.der by default.
package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	DefaultCertPath = "cert.der"
	DefaultKeyPath  = "key.der"
	DefaultHost     = "localhost"

	validFor = 365 * 24 * time.Hour
)

// Pair is a certificate and its private key.
type Pair struct {
	CertDER []byte // X.509 certificate, DER
	KeyDER  []byte // PKCS#8 private key, DER
}

// GenerateSelfSigned creates a fresh self-signed pair for the given hosts.
// With no hosts the certificate names only "localhost".
func GenerateSelfSigned(hosts ...string) (*Pair, error) {
	if len(hosts) == 0 {
		hosts = []string{DefaultHost}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &Pair{CertDER: certDER, KeyDER: keyDER}, nil
}

// Save writes the pair as two DER files. The key file is readable by the owner only.
func (p *Pair) Save(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, p.CertDER, 0o644); err != nil {
		return fmt.Errorf("write certificate %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, p.KeyDER, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", keyPath, err)
	}
	return nil
}

// Load reads a pair saved by Save and checks that both halves parse.
func Load(certPath, keyPath string) (*Pair, error) {
	certDER, err := LoadCertificate(certPath)
	if err != nil {
		return nil, err
	}
	keyDER, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", keyPath, err)
	}
	if _, err := x509.ParsePKCS8PrivateKey(keyDER); err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
	}
	return &Pair{CertDER: certDER, KeyDER: keyDER}, nil
}

// LoadCertificate reads only the certificate half, which is all the initiator needs.
func LoadCertificate(certPath string) ([]byte, error) {
	certDER, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", certPath, err)
	}
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", certPath, err)
	}
	return certDER, nil
}

// LoadOrGenerate loads the pair at the given paths, or generates and saves a new
// self-signed one when the certificate file does not exist yet. An existing certificate
// is never replaced, so a missing key next to it is an error.
func LoadOrGenerate(certPath, keyPath string, hosts ...string) (*Pair, bool, error) {
	if _, err := os.Stat(certPath); err == nil {
		pair, err := Load(certPath, keyPath)
		if err != nil {
			return nil, false, err
		}
		return pair, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat certificate %s: %w", certPath, err)
	}

	pair, err := GenerateSelfSigned(hosts...)
	if err != nil {
		return nil, false, err
	}
	if err := pair.Save(certPath, keyPath); err != nil {
		return nil, false, err
	}
	return pair, true, nil
}
