package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type (
	// Envelope wraps a canonical statement payload with detached signatures.
	Envelope struct {
		// Payload is the base64 canonical statement encoding.
		Payload string `json:"payload"`
		// PayloadType identifies the payload encoding.
		PayloadType string `json:"payloadType"`
		// Signatures holds one entry per signing key.
		Signatures []Signature `json:"signatures"`
	}

	// Signature is one detached signature over the payload.
	Signature struct {
		// KeyID is the hex sha256 of the public key.
		KeyID string `json:"keyid"`
		// Sig is the base64 ed25519 signature over the raw payload bytes.
		Sig string `json:"sig"`
	}

	// Signer signs statements with an ed25519 key pair.
	Signer struct {
		priv  ed25519.PrivateKey
		pub   ed25519.PublicKey
		keyID string
	}
)

const payloadType = "application/vnd.in-toto+json"

// NewSigner wraps an existing ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub, keyID: keyID(pub)}, nil
}

// GenerateSigner creates a signer with a fresh ed25519 key pair.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return NewSigner(priv)
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign encodes the statement canonically and signs it, returning the envelope.
func (s *Signer) Sign(stmt *Statement) (*Envelope, error) {
	raw, err := stmt.Canonical()
	if err != nil {
		return nil, fmt.Errorf("sign statement: %w", err)
	}
	sig := ed25519.Sign(s.priv, raw)
	return &Envelope{
		Payload:     base64.StdEncoding.EncodeToString(raw),
		PayloadType: payloadType,
		Signatures: []Signature{{
			KeyID: s.keyID,
			Sig:   base64.StdEncoding.EncodeToString(sig),
		}},
	}, nil
}

// Verify checks that at least one envelope signature is valid under the given
// public key and returns the decoded statement.
func Verify(env *Envelope, pub ed25519.PublicKey) (*Statement, error) {
	if env == nil {
		return nil, fmt.Errorf("verify envelope: envelope is required")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("verify envelope: decode payload: %w", err)
	}
	want := keyID(pub)
	verified := false
	for _, s := range env.Signatures {
		if s.KeyID != want {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(s.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, raw, sig) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("verify envelope: no valid signature for key %s", want)
	}
	var stmt Statement
	if err := json.Unmarshal(raw, &stmt); err != nil {
		return nil, fmt.Errorf("verify envelope: decode statement: %w", err)
	}
	return &stmt, nil
}

func keyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
