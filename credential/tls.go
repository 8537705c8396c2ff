package credential

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ALPN is the application protocol negotiated during the QUIC handshake.
const ALPN = "qex/1"

// TrustMode selects how the initiator verifies the responder's certificate.
type TrustMode string

const (
	// TrustCert trusts exactly the responder's certificate through a dedicated root pool.
	TrustCert TrustMode = "trusted-cert"
	// TrustInsecure disables certificate verification. Reference-only, not secure.
	TrustInsecure TrustMode = "insecure-no-verify"
)

func ParseTrustMode(s string) (TrustMode, error) {
	switch TrustMode(s) {
	case TrustCert, TrustInsecure:
		return TrustMode(s), nil
	default:
		return "", fmt.Errorf("unknown trust mode %q (want %q or %q)", s, TrustCert, TrustInsecure)
	}
}

// ServerTLS builds the responder's TLS configuration presenting pair.
func ServerTLS(pair *Pair) (*tls.Config, error) {
	key, err := x509.ParsePKCS8PrivateKey(pair.KeyDER)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.CertDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{pair.CertDER},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ClientTLS builds the initiator's TLS configuration for serverName.
// In TrustCert mode certDER is the only trusted root; in TrustInsecure mode it may be nil.
func ClientTLS(certDER []byte, serverName string, mode TrustMode) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: serverName,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
		RootCAs:    x509.NewCertPool(),
	}
	switch mode {
	case TrustCert:
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("parse trusted certificate: %w", err)
		}
		conf.RootCAs.AddCert(cert)
	case TrustInsecure:
		conf.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("unknown trust mode %q", mode)
	}
	return conf, nil
}
