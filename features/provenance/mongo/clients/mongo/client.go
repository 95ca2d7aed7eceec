// Package mongo implements the low-level MongoDB client used by the
// attestation archive.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type (
	// Client exposes Mongo-backed operations for the attestation archive.
	Client interface {
		// Insert stores one signed envelope keyed by step id and subject
		// digest.
		Insert(ctx context.Context, stepID, digest string, envelope []byte) error
		// LoadByDigest returns the envelope recorded for a subject digest.
		LoadByDigest(ctx context.Context, digest string) ([]byte, error)
		// ListByStep returns the envelopes recorded for a step, oldest first.
		ListByStep(ctx context.Context, stepID string) ([][]byte, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	attestationDocument struct {
		ID       bson.ObjectID `bson:"_id,omitempty"`
		StepID   string        `bson:"step_id"`
		Digest   string        `bson:"digest"`
		Envelope []byte        `bson:"envelope"`
		Recorded time.Time     `bson:"recorded"`
	}
)

const (
	defaultCollection = "attestations"
	defaultTimeout    = 5 * time.Second
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

// Insert implements Client. Duplicate digests upsert so re-recording an
// attestation is idempotent.
func (c *client) Insert(ctx context.Context, stepID, digest string, envelope []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	doc := attestationDocument{
		StepID:   stepID,
		Digest:   digest,
		Envelope: envelope,
		Recorded: time.Now().UTC(),
	}
	_, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "digest", Value: digest}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert attestation: %w", err)
	}
	return nil
}

// LoadByDigest implements Client.
func (c *client) LoadByDigest(ctx context.Context, digest string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc attestationDocument
	err := c.coll.FindOne(ctx, bson.D{{Key: "digest", Value: digest}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("attestation %s not found", digest)
	}
	if err != nil {
		return nil, fmt.Errorf("load attestation: %w", err)
	}
	return doc.Envelope, nil
}

// ListByStep implements Client.
func (c *client) ListByStep(ctx context.Context, stepID string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cursor, err := c.coll.Find(ctx,
		bson.D{{Key: "step_id", Value: stepID}},
		options.Find().SetSort(bson.D{{Key: "recorded", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list attestations: %w", err)
	}
	defer cursor.Close(ctx)
	var out [][]byte
	for cursor.Next(ctx) {
		var doc attestationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode attestation: %w", err)
		}
		out = append(out, doc.Envelope)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list attestations: %w", err)
	}
	return out, nil
}
