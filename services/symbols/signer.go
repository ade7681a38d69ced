package symbols

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Key material comes from the environment. The bech32 seed inside an age
// secret key doubles as the Ed25519 signing seed.
const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	ageSecretHRP = "age-secret-key-"
)

// Signer signs bundle manifests and verifies their signatures. A signer
// built from only AGE_PUBLIC_KEY can verify but not sign.
type Signer struct {
	seedKey   ed25519.PrivateKey
	verifyKey ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY. When neither is
// set it returns (nil, nil) and manifests go out unsigned.
func NewSignerFromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(envAgeSecretKey))
	pub := strings.TrimSpace(os.Getenv(envAgePublicKey))
	if secret == "" && pub == "" {
		return nil, nil
	}

	s := &Signer{}
	if secret != "" {
		if err := s.loadSecret(secret); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
	}
	if pub != "" {
		key, err := decodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgePublicKey, err)
		}
		if s.verifyKey == nil {
			s.verifyKey = key
		} else if !bytes.Equal(s.verifyKey, key) {
			return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
		}
	}
	return s, nil
}

// loadSecret derives the Ed25519 key pair from the age secret key's seed and
// records the matching age recipient.
func (s *Signer) loadSecret(secret string) error {
	hrp, words, err := bech32.Decode(secret)
	if err != nil {
		return err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return err
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	s.seedKey = ed25519.NewKeyFromSeed(seed)
	s.verifyKey = s.seedKey.Public().(ed25519.PublicKey)

	if identity, err := age.ParseX25519Identity(secret); err == nil {
		s.recipient = identity.Recipient().String()
	}
	return nil
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || s.seedKey == nil {
		return "", errors.New("no signing key configured")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.seedKey, payload)), nil
}

// Verify checks a base64 signature over payload. manifestKey is the public
// key a manifest may embed; when the signer also holds a configured key the
// two must agree.
func (s *Signer) Verify(payload []byte, signature, manifestKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("signature is %d bytes, want %d", len(raw), ed25519.SignatureSize)
	}

	key := s.verifyKey
	if manifestKey != "" {
		embedded, err := decodePublicKey(manifestKey)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		switch {
		case key == nil:
			key = embedded
		case !bytes.Equal(key, embedded):
			return errors.New("manifest signed by unexpected key")
		}
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, raw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the verification key in base64 form, or "" when
// the signer holds none.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.verifyKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.verifyKey)
}

// Recipient returns the age recipient derived from the secret key, or ""
// for verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}
