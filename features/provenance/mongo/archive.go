// Package mongo wires the attestation archive to the MongoDB client. The
// archive is an optional long-term store alongside the sqlite state store:
// the scheduler records envelopes in both when configured.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/loomworks/loom/features/provenance/mongo/clients/mongo"
)

// Archive implements store.AttestationStore by delegating to the Mongo client.
type Archive struct {
	client clientsmongo.Client
}

// NewArchive builds a Mongo-backed attestation archive using the provided
// client.
func NewArchive(client clientsmongo.Client) (*Archive, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Archive{client: client}, nil
}

// SaveAttestation implements store.AttestationStore.
func (a *Archive) SaveAttestation(ctx context.Context, stepID, digest string, envelope []byte) error {
	return a.client.Insert(ctx, stepID, digest, envelope)
}

// ListAttestations implements store.AttestationStore.
func (a *Archive) ListAttestations(ctx context.Context, stepID string) ([][]byte, error) {
	return a.client.ListByStep(ctx, stepID)
}

// LoadByDigest returns the envelope recorded for one subject digest.
func (a *Archive) LoadByDigest(ctx context.Context, digest string) ([]byte, error) {
	return a.client.LoadByDigest(ctx, digest)
}
