// Package testing provides fixtures shared by adapter tests: a throwaway
// certificate authority and a scripted protocol server.
package testing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// PKI is a CA plus one leaf usable as both server and client certificate.
type PKI struct {
	// CAPath is a PEM trust store holding the CA.
	CAPath string
	// KeyStorePath is a PEM bundle with the leaf key and certificate.
	KeyStorePath string
	// ServerName is the DNS name the leaf is valid for.
	ServerName string

	Leaf tls.Certificate
	Pool *x509.CertPool
}

// NewPKI writes a fresh CA and leaf into t.TempDir().
func NewPKI(t *testing.T) *PKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cosign test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "weblogin.test"},
		DNSNames:     []string{"weblogin.test", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	require.NoError(t, err)

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	p := &PKI{
		CAPath:       filepath.Join(dir, "ca.pem"),
		KeyStorePath: filepath.Join(dir, "client.pem"),
		ServerName:   "weblogin.test",
		Pool:         x509.NewCertPool(),
	}
	p.Pool.AddCert(caCert)
	require.NoError(t, os.WriteFile(p.CAPath, caPEM, 0o600))
	require.NoError(t, os.WriteFile(p.KeyStorePath, append(keyPEM, leafPEM...), 0o600))

	p.Leaf, err = tls.X509KeyPair(leafPEM, keyPEM)
	require.NoError(t, err)
	return p
}

// ServerConfig returns a TLS config for a test server that requires a
// client certificate signed by the CA.
func (p *PKI) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{p.Leaf},
		ClientCAs:    p.Pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
}
