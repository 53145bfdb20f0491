// Package auth supplies the identity the client presents at login and the
// credential it presents to the signaling service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/1ureka/bedrocklink/internal/handshake"
)

// Provider obtains login identity and service credentials. Both calls may
// block on the network and must honor ctx.
type Provider interface {
	// Chain returns the identity chain bound to the session key pair.
	Chain(ctx context.Context, kp *handshake.KeyPair) ([]string, error)
	// ServicesToken returns the credential for the signaling service of
	// the given game version.
	ServicesToken(ctx context.Context, version string) (string, error)
}

// Profile is the player identity carried in the last link of a chain.
type Profile struct {
	DisplayName string `json:"displayName"`
	Identity    string `json:"identity"`
	XUID        string `json:"XUID"`
}

// chainLifetime bounds a self-signed chain.
const chainLifetime = 24 * time.Hour

// Offline signs its own single-link chain. Servers must run with online
// mode off to accept it.
type Offline struct {
	Username string
	// Token, if set, is returned as the services token.
	Token string

	now func() time.Time
}

var _ Provider = (*Offline)(nil)

// OfflineIdentity is the deterministic UUID of an offline player.
func OfflineIdentity(username string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+username))
}

func (o *Offline) Chain(ctx context.Context, kp *handshake.KeyPair) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Username == "" {
		return nil, errors.New("offline identity needs a username")
	}
	now := time.Now()
	if o.now != nil {
		now = o.now()
	}

	claims := jwt.MapClaims{
		"extraData": Profile{
			DisplayName: o.Username,
			Identity:    OfflineIdentity(o.Username).String(),
		},
		"identityPublicKey":    kp.PublicKeyReference(),
		"certificateAuthority": true,
		"iat":                  now.Unix(),
		"nbf":                  now.Add(-time.Minute).Unix(),
		"exp":                  now.Add(chainLifetime).Unix(),
	}
	signed, err := Sign(kp, claims)
	if err != nil {
		return nil, fmt.Errorf("sign offline chain: %w", err)
	}
	return []string{signed}, nil
}

func (o *Offline) ServicesToken(ctx context.Context, _ string) (string, error) {
	return o.Token, ctx.Err()
}

// Sign produces an ES384 token over claims whose x5u header names the key
// pair's public key.
func Sign(kp *handshake.KeyPair, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	tok.Header["x5u"] = kp.PublicKeyReference()
	return tok.SignedString(kp.PrivateKey())
}

// ProfileOf reads the player profile from the last link of chain without
// verifying signatures; the server does that.
func ProfileOf(chain []string) (Profile, error) {
	if len(chain) == 0 {
		return Profile{}, errors.New("empty identity chain")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(chain[len(chain)-1], claims); err != nil {
		return Profile{}, fmt.Errorf("parse chain: %w", err)
	}
	raw, err := json.Marshal(claims["extraData"])
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// IdentityToken wraps a chain in the JSON document the login packet carries.
func IdentityToken(chain []string) (string, error) {
	cert, err := json.Marshal(map[string][]string{"chain": chain})
	if err != nil {
		return "", err
	}
	doc, err := json.Marshal(struct {
		AuthenticationType int
		Certificate        string
		Token              string
	}{0, string(cert), ""})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}
