package redisstub

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type Options struct {
	// Password turns on AUTH for the default user.
	Password string
	// EnableTLS serves over TLS with a throwaway certificate for 127.0.0.1.
	EnableTLS bool
}

type Server struct {
	*miniredis.Miniredis
	certPEM []byte
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	m := miniredis.NewMiniRedis()
	if opts.Password != "" {
		m.RequireAuth(opts.Password)
	}
	s := &Server{Miniredis: m}
	if !opts.EnableTLS {
		if err := m.Start(); err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		return s, nil
	}
	cert, certPEM, err := loopbackCertificate()
	if err != nil {
		return nil, err
	}
	if err := m.StartTLS(&tls.Config{Certificates: []tls.Certificate{cert}}); err != nil {
		return nil, fmt.Errorf("start miniredis tls: %w", err)
	}
	s.certPEM = certPEM
	return s, nil
}

// CertPEM is the self-signed certificate clients should trust. Empty without
// TLS.
func (s *Server) CertPEM() []byte { return s.certPEM }

// Close stops the server. It never fails.
func (s *Server) Close() error {
	s.Miniredis.Close()
	return nil
}

func loopbackCertificate() (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate key: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "redisstub"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, certPEM, nil
}
