package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritashealth/crp-app/crp/models"
)

func TestVersions(t *testing.T) {
	versions := Versions()
	assert.Contains(t, versions, "2024.2")
	assert.Contains(t, versions, "2025.1")
	assert.Contains(t, versions, DefaultVersion)
}

func TestLoadDefaultVersion(t *testing.T) {
	c, err := Load(DefaultVersion)
	require.NoError(t, err)

	assert.Equal(t, DefaultVersion, c.Version())
	assert.NotEmpty(t, c.ClaimRules())
	assert.NotEmpty(t, c.LineRules())

	rt01, ok := c.Rule("RT01")
	require.True(t, ok)
	assert.Equal(t, ScopeClaim, rt01.Scope)
	assert.Equal(t, models.RoleAdministrative, rt01.RequiredRole)
	assert.Equal(t, models.TierHigh, rt01.Priority)
	assert.Equal(t, PolicyWholeValue, rt01.Policy.Kind)

	ln01, ok := c.Rule("LN01")
	require.True(t, ok)
	assert.Equal(t, ScopeLine, ln01.Scope)
	assert.Equal(t, PolicyUnitDelta, ln01.Policy.Kind)
	assert.Equal(t, RateSourceTariff, ln01.Policy.RateSource)

	ln05, ok := c.Rule("LN05")
	require.True(t, ok)
	assert.Equal(t, PolicyPercentage, ln05.Policy.Kind)
	assert.Equal(t, 50.0, ln05.Policy.Percent)
	assert.Equal(t, models.RoleClinical, ln05.RequiredRole)

	_, ok = c.Rule("RT99")
	assert.False(t, ok)
}

// Rules carry version-specific parameters; loading an older version must
// surface that version's values, not the default's.
func TestLoadOlderVersion(t *testing.T) {
	c, err := Load("2024.2")
	require.NoError(t, err)

	ln05, ok := c.Rule("LN05")
	require.True(t, ok)
	assert.Equal(t, 30.0, ln05.Policy.Percent)

	// LN07 only exists from 2025.1 on
	_, ok = c.Rule("LN07")
	assert.False(t, ok)
}

func TestLoadUnknownVersion(t *testing.T) {
	_, err := Load("1999.9")
	assert.EqualError(t, err, "unknown catalog version 1999.9")
}

func TestBuildRuleValidation(t *testing.T) {
	valid := ruleDoc{
		Code: "XX01", Description: "test", Category: "billing",
		Scope: "line", Role: "ADMINISTRATIVE", Priority: "LOW", Policy: "whole_value",
	}

	tests := []struct {
		name   string
		mutate func(*ruleDoc)
		errMsg string
	}{
		{"MissingCode", func(rd *ruleDoc) { rd.Code = "" }, "rule is missing a code"},
		{"UnknownScope", func(rd *ruleDoc) { rd.Scope = "global" }, `unknown scope "global"`},
		{"UnknownRole", func(rd *ruleDoc) { rd.Role = "AUDITOR" }, `unknown role "AUDITOR"`},
		{"UnknownPriority", func(rd *ruleDoc) { rd.Priority = "URGENT" }, `unknown priority "URGENT"`},
		{"UnknownPolicy", func(rd *ruleDoc) { rd.Policy = "flat_fee" }, `unknown policy "flat_fee"`},
		{"UnitDeltaWithoutRateSource", func(rd *ruleDoc) { rd.Policy = "unit_delta" },
			`unit_delta policy requires rate_source tariff or agreement, got ""`},
		{"PercentageOutOfRange", func(rd *ruleDoc) { rd.Policy = "percentage"; rd.Percent = 120 },
			"percentage policy requires percent in (0, 100], got 120"},
		{"PercentageZero", func(rd *ruleDoc) { rd.Policy = "percentage" },
			"percentage policy requires percent in (0, 100], got 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := valid
			tt.mutate(&rd)
			_, err := buildRule(rd)
			assert.EqualError(t, err, tt.errMsg)
		})
	}

	rule, err := buildRule(valid)
	require.NoError(t, err)
	assert.Equal(t, "XX01", rule.Code)
	assert.Equal(t, PolicyWholeValue, rule.Policy.Kind)
}
