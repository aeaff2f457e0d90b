package policyoverride

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoRulesNeverDenies(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	deny, _, err := e.ShouldDeny(Input{Caller: "caller-a"})
	require.NoError(t, err)
	assert.False(t, deny)
}

func TestRuleMatchesDenies(t *testing.T) {
	e, err := New([]string{`caller == "blocked-caller"`})
	require.NoError(t, err)

	deny, rule, err := e.ShouldDeny(Input{Caller: "blocked-caller"})
	require.NoError(t, err)
	assert.True(t, deny)
	assert.Equal(t, `caller == "blocked-caller"`, rule)

	deny, _, err = e.ShouldDeny(Input{Caller: "other-caller"})
	require.NoError(t, err)
	assert.False(t, deny)
}

func TestSensitiveKindHighRiskRule(t *testing.T) {
	e, err := New([]string{`is_sensitive && risk_score >= 60`})
	require.NoError(t, err)

	deny, _, err := e.ShouldDeny(Input{IsSensitive: true, RiskScore: 70})
	require.NoError(t, err)
	assert.True(t, deny)

	deny, _, err = e.ShouldDeny(Input{IsSensitive: true, RiskScore: 10})
	require.NoError(t, err)
	assert.False(t, deny)
}

func TestInvalidRuleFailsClosed(t *testing.T) {
	e, err := New([]string{`caller.not_a_field(`})
	require.NoError(t, err)
	deny, _, err := e.ShouldDeny(Input{Caller: "caller-a"})
	assert.Error(t, err)
	assert.True(t, deny)
}

func TestCompiledProgramIsCached(t *testing.T) {
	e, err := New([]string{`caller == "x"`})
	require.NoError(t, err)
	_, _, err = e.ShouldDeny(Input{Caller: "x"})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
	_, _, err = e.ShouldDeny(Input{Caller: "y"})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}
