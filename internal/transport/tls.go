package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"time"
)

// alpn is the QUIC ALPN identifier gatetun negotiates on every connection
// between a client and its relay.
const alpn = "gatetun/1"

// selfSignedTLSConfig builds a server-side TLS config backed by an
// in-memory, self-signed certificate, generated fresh on each call and
// valid for one year. The relay's identity is not verified by certificate
// chain, and the QUIC transport uses no shared key, so a QUIC link
// authenticates neither side; the configured transport key is only used
// for the KCP transport's block cipher.
func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// insecureClientTLSConfig builds the client-side counterpart: it skips
// certificate chain verification, since the relay presents the
// self-signed certificate from selfSignedTLSConfig, so the client accepts
// whatever certificate the peer presents.
func insecureClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}
