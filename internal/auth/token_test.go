package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/org/citaguard/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier()
	ctx := context.Background()

	assert.True(t, v.Add("dev-token-0000000001", models.Principal{UID: "u1", Email: "u1@citaguard.dev"}))
	p, err := v.Verify(ctx, "dev-token-0000000001")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UID)
	assert.False(t, p.Admin)

	_, err = v.Verify(ctx, "dev-token-0000000002")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueAndRevoke(t *testing.T) {
	v := NewStaticVerifier()
	ctx := context.Background()

	tok, first, err := v.Issue(models.Principal{UID: "u1"})
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, strings.HasPrefix(tok, tokenPrefix))

	tok2, first, err := v.Issue(models.Principal{UID: "u1"})
	require.NoError(t, err)
	assert.False(t, first)
	assert.NotEqual(t, tok, tok2)

	assert.Equal(t, 2, v.RevokeUser("u1"))
	_, err = v.Verify(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashTokenDeterministic(t *testing.T) {
	assert.Len(t, hashToken("x"), 64)
	assert.Equal(t, hashToken("x"), hashToken("x"))
	assert.NotEqual(t, hashToken("x"), hashToken("y"))
}
