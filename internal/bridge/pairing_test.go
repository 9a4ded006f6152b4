// ABOUTME: Tests for the device pairing lifecycle
// ABOUTME: Request, approve with token issue, reject, verify

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/auth"
)

func newTestPairing(t *testing.T) *PairingStore {
	t.Helper()
	p, err := NewPairingStore(":memory:", auth.NewJWTVerifier([]byte("pairing-secret")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPairing_RequestApproveVerify(t *testing.T) {
	p := newTestPairing(t)

	node, err := p.Request(t.Context(), "node-1", "kitchen-display")
	require.NoError(t, err)
	assert.Equal(t, PairingPending, node.Status)

	token, err := p.Approve(t.Context(), "node-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.NoError(t, p.Verify(t.Context(), "node-1", token))

	got, err := p.Get(t.Context(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, PairingApproved, got.Status)
}

func TestPairing_RequestIsIdempotentWhilePending(t *testing.T) {
	p := newTestPairing(t)

	_, err := p.Request(t.Context(), "node-1", "display")
	require.NoError(t, err)
	again, err := p.Request(t.Context(), "node-1", "display")
	require.NoError(t, err)
	assert.Equal(t, PairingPending, again.Status)

	nodes, err := p.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPairing_RejectBlocksNode(t *testing.T) {
	p := newTestPairing(t)

	_, err := p.Request(t.Context(), "node-1", "display")
	require.NoError(t, err)
	require.NoError(t, p.Reject(t.Context(), "node-1"))

	_, err = p.Request(t.Context(), "node-1", "display")
	assert.ErrorIs(t, err, ErrNodeRejected)

	_, err = p.Approve(t.Context(), "node-1")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPairing_VerifyRejectsMismatchedToken(t *testing.T) {
	p := newTestPairing(t)

	_, err := p.Request(t.Context(), "node-1", "display")
	require.NoError(t, err)
	_, err = p.Request(t.Context(), "node-2", "speaker")
	require.NoError(t, err)

	token1, err := p.Approve(t.Context(), "node-1")
	require.NoError(t, err)
	_, err = p.Approve(t.Context(), "node-2")
	require.NoError(t, err)

	// node-1's token does not authenticate node-2.
	assert.Error(t, p.Verify(t.Context(), "node-2", token1))
}

func TestPairing_VerifyRejectsClientScopedToken(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("pairing-secret"))
	p, err := NewPairingStore(":memory:", verifier, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.Request(t.Context(), "node-1", "display")
	require.NoError(t, err)
	_, err = p.Approve(t.Context(), "node-1")
	require.NoError(t, err)

	clientToken, err := verifier.Generate("node-1", auth.ScopeClient, nodeTokenTTL)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Verify(t.Context(), "node-1", clientToken), auth.ErrWrongScope)
}

func TestPairing_UnknownNode(t *testing.T) {
	p := newTestPairing(t)

	_, err := p.Get(t.Context(), "node-missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = p.Approve(t.Context(), "node-missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
