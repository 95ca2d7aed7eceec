package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/snapshot"
)

func execution() *Execution {
	step := &plan.Step{
		ID:         "step-1",
		PlanID:     "plan-1",
		Capability: "code.implement",
		Priority:   5,
		TimeoutMS:  60000,
		RetryCount: plan.Ptr(2),
		Contract:   plan.Contract{Outputs: map[string]string{"diff": "string"}},
	}
	snap, _ := snapshot.Capture(step, "default", map[string]any{"spec": "add endpoint"}, map[string]any{"diff": "+x"}, 42)
	return &Execution{
		Step:      step,
		TicketID:  "ticket-1",
		RouteID:   "route-1",
		Inputs:    map[string]any{"spec": "add endpoint"},
		Outputs:   map[string]any{"diff": "+x"},
		StartedAt: 1700000000000,
		EndedAt:   1700000005000,
		Snapshot:  snap,
		Sandboxed: true,
	}
}

func TestBuildStatement(t *testing.T) {
	stmt, err := Build(execution())
	require.NoError(t, err)

	assert.Equal(t, StatementType, stmt.Type)
	assert.Equal(t, PredicateType, stmt.PredicateType)
	require.Len(t, stmt.Subject, 2)
	assert.Equal(t, "step://step-1/outputs", stmt.Subject[0].Name)
	assert.Len(t, stmt.Subject[0].Digest["sha256"], 64)
	assert.Equal(t, "plan://plan-1", stmt.Predicate.Invocation.ConfigSource.URI)
	assert.Equal(t, "code.implement", stmt.Predicate.Invocation.ConfigSource.EntryPoint)
	assert.Equal(t, "2023-11-14T22:13:20Z", stmt.Predicate.Metadata.BuildStartedOn)
	require.Len(t, stmt.Predicate.Materials, 2)
}

func TestStatementDeterminism(t *testing.T) {
	a, err := Build(execution())
	require.NoError(t, err)
	b, err := Build(execution())
	require.NoError(t, err)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db, "identical executions attest identically")
}

func TestReproducibleHeuristics(t *testing.T) {
	exec := execution()
	stmt, err := Build(exec)
	require.NoError(t, err)
	assert.True(t, stmt.Predicate.Metadata.Reproducible)

	// Volatile inputs plus external state drop below the threshold.
	exec.Inputs = map[string]any{"spec": "x", "request_uuid": "abc"}
	exec.ExternalState = true
	stmt, err = Build(exec)
	require.NoError(t, err)
	assert.False(t, stmt.Predicate.Metadata.Reproducible)
}

func TestSignAndVerify(t *testing.T) {
	stmt, err := Build(execution())
	require.NoError(t, err)

	signer, err := GenerateSigner()
	require.NoError(t, err)

	env, err := signer.Sign(stmt)
	require.NoError(t, err)
	require.Len(t, env.Signatures, 1)
	assert.Equal(t, signer.KeyID(), env.Signatures[0].KeyID)

	decoded, err := Verify(env, signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, stmt.Subject, decoded.Subject)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	stmt, err := Build(execution())
	require.NoError(t, err)
	signer, err := GenerateSigner()
	require.NoError(t, err)
	env, err := signer.Sign(stmt)
	require.NoError(t, err)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = Verify(env, otherPub)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	stmt, err := Build(execution())
	require.NoError(t, err)
	signer, err := GenerateSigner()
	require.NoError(t, err)
	env, err := signer.Sign(stmt)
	require.NoError(t, err)

	env.Payload = env.Payload[:len(env.Payload)-4] + "AAA="
	_, err = Verify(env, signer.PublicKey())
	assert.Error(t, err)
}
