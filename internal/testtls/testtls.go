// Package testtls issues throw-away certificates for tests exercising quic
// endpoints.
package testtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func generateKeyPair(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
	}
	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	return serialNumber
}

func generateCa(t testing.TB, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serial(t),
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
	}
	return certDER
}

func generateLeaf(t testing.TB, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber:          serial(t),
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf %s: %s", cn, err)
	}
	return certDER
}

// Authority is a test CA issuing mutually trusted node configs.
type Authority struct {
	t    testing.TB
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	pool *x509.CertPool
}

func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	key := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, key))
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &Authority{t: t, key: key, cert: ca, pool: pool}
}

// Config returns a TLS config for node cn, requiring and verifying peer
// certificates issued by the same authority.
func (a *Authority) Config(cn string) *tls.Config {
	a.t.Helper()
	key := generateKeyPair(a.t)
	der := generateLeaf(a.t, a.cert, a.key, key, cn)
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		a.t.Fatalf("failed to parse %s: %s", cn, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  a.pool,
		RootCAs:    a.pool,
	}
}
