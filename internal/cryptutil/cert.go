package cryptutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CertificatePEMType is the PEM block type for X.509 certificates.
const CertificatePEMType = "CERTIFICATE"

var certTemplate = x509.Certificate{
	KeyUsage: x509.KeyUsageDigitalSignature,
	ExtKeyUsage: []x509.ExtKeyUsage{
		x509.ExtKeyUsageServerAuth,
		x509.ExtKeyUsageClientAuth,
	},
	BasicConstraintsValid: true,
}

// SelfSigned generates a self-signed server certificate for the given key.
// Entries in hosts are added as DNS names or IP addresses as appropriate.
// Returns the PEM-encoded certificate.
func SelfSigned(key *ecdsa.PrivateKey, commonName string, hosts []string, validFor time.Duration) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := certTemplate
	template.SerialNumber = serial
	template.Subject = pkix.Name{CommonName: commonName}
	template.NotBefore = time.Now().Add(-1 * time.Hour)
	template.NotAfter = time.Now().Add(validFor)
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: CertificatePEMType, Bytes: der}), nil
}
