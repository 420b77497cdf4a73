package testutil

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

// EncodePrivateKeyPem renders the given RSA private key in the PKCS1 PEM
// form our CLI reads from disk.
func EncodePrivateKeyPem(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// EncodePublicKeyPem renders the given RSA public key in PKIX PEM form.
func EncodePublicKeyPem(key *rsa.PublicKey) []byte {
	bytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: bytes,
	})
}
