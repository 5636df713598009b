package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	v, err := NewVerifier("s3cret", "stockflow")
	require.NoError(t, err)

	token, err := v.Issue(Identity{UserID: "u1", Email: "a@b.c", DisplayName: "Ann"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "a@b.c", id.Email)
	assert.Equal(t, "Ann", id.DisplayName)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	signer, _ := NewVerifier("one", "")
	verifier, _ := NewVerifier("two", "")

	token, err := signer.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Parse(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestParseRejectsExpired(t *testing.T) {
	v, _ := NewVerifier("s3cret", "")
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Parse(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestParseRejectsGarbage(t *testing.T) {
	v, _ := NewVerifier("s3cret", "")
	_, err := v.Parse("not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestEmptySecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.Error(t, err)
}
