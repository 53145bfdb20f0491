package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/1ureka/bedrocklink/internal/protocol"
)

// DefaultSalt is the salt the initiator embeds unless told otherwise.
var DefaultSalt = []byte("🧂")

// saltSize is the length of a random salt.
const saltSize = 16

// Result holds the values derived by a completed exchange.
type Result struct {
	SharedSecret []byte
	Key          []byte // SHA-256(salt ‖ shared secret)
	IV           []byte // Key[:16]
}

// RandomSalt returns a fresh random salt.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("random salt: %w", err)
	}
	return salt, nil
}

// Derive computes the symmetric key and IV from a salt and shared secret.
func Derive(salt, secret []byte) Result {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	key := h.Sum(nil)
	return Result{SharedSecret: secret, Key: key, IV: key[:16]}
}

// Initiate runs the initiating side: it computes the shared secret with the
// peer's public key, derives the session key and returns the signed token to
// send to the peer.
func Initiate(kp *KeyPair, peerRef string, salt []byte) (string, Result, error) {
	if salt == nil {
		salt = DefaultSalt
	}
	peer, err := ParsePublicKey(peerRef)
	if err != nil {
		return "", Result{}, protocol.NewError(protocol.KindHandshake, "initiate", err)
	}
	secret, err := kp.SharedSecret(peer)
	if err != nil {
		return "", Result{}, protocol.NewError(protocol.KindHandshake, "initiate", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES384, jwt.MapClaims{
		"salt":        base64.StdEncoding.EncodeToString(salt),
		"signedToken": kp.PublicKeyReference(),
	})
	tok.Header["x5u"] = kp.PublicKeyReference()
	signed, err := tok.SignedString(kp.PrivateKey())
	if err != nil {
		return "", Result{}, protocol.NewError(protocol.KindHandshake, "sign token", err)
	}
	return signed, Derive(salt, secret), nil
}

// Respond runs the responding side: it verifies the token with the key named
// in its header, computes the shared secret and derives the session key.
func Respond(kp *KeyPair, token string) (Result, error) {
	var peerRef string
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		ref, ok := t.Header["x5u"].(string)
		if !ok || ref == "" {
			return nil, errors.New("token header has no x5u")
		}
		pub, err := ParsePublicKey(ref)
		if err != nil {
			return nil, err
		}
		peerRef = ref
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES384.Alg()}))
	if err != nil {
		return Result{}, protocol.NewError(protocol.KindHandshake, "verify token", err)
	}

	if signed, ok := claims["signedToken"].(string); ok && signed != peerRef {
		return Result{}, protocol.Errorf(protocol.KindHandshake, "verify token", "signedToken does not match x5u")
	}
	saltText, ok := claims["salt"].(string)
	if !ok {
		return Result{}, protocol.Errorf(protocol.KindHandshake, "verify token", "token has no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltText)
	if err != nil {
		return Result{}, protocol.NewError(protocol.KindHandshake, "decode salt", err)
	}

	peer, err := ParsePublicKey(peerRef)
	if err != nil {
		return Result{}, protocol.NewError(protocol.KindHandshake, "respond", err)
	}
	secret, err := kp.SharedSecret(peer)
	if err != nil {
		return Result{}, protocol.NewError(protocol.KindHandshake, "respond", err)
	}
	return Derive(salt, secret), nil
}
