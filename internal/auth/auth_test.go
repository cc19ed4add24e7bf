package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanmon-dev/kanmon/internal/model"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidate(t *testing.T) {
	m := newManager(t)

	token, exp, err := m.IssueToken("reviewer-1", "org-1", model.RoleReviewer)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", claims.Subject)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, model.RoleReviewer, claims.Role)
	assert.Equal(t, "kanmon", claims.Issuer)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	m1 := newManager(t)
	m2 := newManager(t)

	token, _, err := m1.IssueToken("svc-1", "org-1", model.RoleService)
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken("svc-1", "org-1", model.RoleService)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newManager(t)
	_, err := m.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	m := newManager(t)

	token, _, err := m.IssueToken("x", "org-1", model.Role("superuser"))
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-kanmon-test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := VerifyAPIKey("sk-kanmon-test", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-kanmon-wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAPIKey("anything", "malformed")
	assert.Error(t, err)
}

func TestHashIsSalted(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestRoleRanking(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleReviewer))
	assert.True(t, model.RoleAtLeast(model.RoleReviewer, model.RoleService))
	assert.False(t, model.RoleAtLeast(model.RoleService, model.RoleReviewer))
	assert.False(t, model.RoleAtLeast(model.Role("unknown"), model.RoleService))
}
