// Package handshake performs the one-shot P-384 key exchange that derives the
// symmetric session key, and signs and verifies the handshake token carrying
// the salt.
package handshake

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// KeyPair is an ephemeral P-384 key pair.
type KeyPair struct {
	priv *ecdsa.PrivateKey
	ref  string
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &KeyPair{priv: priv, ref: base64.StdEncoding.EncodeToString(der)}, nil
}

// PublicKeyReference is the base64 DER SubjectPublicKeyInfo of the public key.
func (kp *KeyPair) PublicKeyReference() string { return kp.ref }

// PrivateKey returns the signing key.
func (kp *KeyPair) PrivateKey() *ecdsa.PrivateKey { return kp.priv }

// ParsePublicKey decodes a public key reference and checks it is on P-384.
func ParsePublicKey(ref string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("decode public key reference: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not ECDSA", key)
	}
	if pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("public key curve %s, want P-384", pub.Curve.Params().Name)
	}
	return pub, nil
}

// SharedSecret runs ECDH between the local private key and the peer's key.
func (kp *KeyPair) SharedSecret(peer *ecdsa.PublicKey) ([]byte, error) {
	local, err := kp.priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("local ecdh key: %w", err)
	}
	remote, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("peer ecdh key: %w", err)
	}
	if remote.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("peer ecdh curve mismatch")
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}
