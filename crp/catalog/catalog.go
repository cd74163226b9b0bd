// Package catalog loads the versioned regulatory rule table. Catalog versions
// ship embedded in the binary; a loaded catalog is immutable. All structural
// problems (unknown scope, unparameterized policy, duplicate codes) are
// caught here at load time rather than during evaluation.
package catalog

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/veritashealth/crp-app/crp/models"
)

//go:embed versions/*.toml
var versionFS embed.FS

const DefaultVersion = "2025.1"

type RuleScope string

const (
	ScopeClaim RuleScope = "claim"
	ScopeLine  RuleScope = "line"
)

type PolicyKind string

const (
	PolicyWholeValue PolicyKind = "whole_value"
	PolicyUnitDelta  PolicyKind = "unit_delta"
	PolicyPercentage PolicyKind = "percentage"
)

type RateSource string

const (
	RateSourceTariff    RateSource = "tariff"
	RateSourceAgreement RateSource = "agreement"
)

// Policy is the tagged amount-computation variant of a rule. Exactly one
// shape is valid per kind: unit_delta carries a rate source, percentage
// carries a percent, whole_value carries nothing.
type Policy struct {
	Kind       PolicyKind
	RateSource RateSource
	Percent    float64
}

type Rule struct {
	Code         string
	Description  string
	Category     string
	Scope        RuleScope
	RequiredRole models.ReviewerRole
	Priority     models.Tier
	Policy       Policy
}

type Catalog struct {
	version    string
	claimRules []Rule
	lineRules  []Rule
	byCode     map[string]Rule
}

func (c *Catalog) Version() string { return c.version }

// ClaimRules returns the whole-claim rules in catalog order.
func (c *Catalog) ClaimRules() []Rule { return c.claimRules }

// LineRules returns the per-line rules in catalog order.
func (c *Catalog) LineRules() []Rule { return c.lineRules }

func (c *Catalog) Rule(code string) (Rule, bool) {
	r, ok := c.byCode[code]
	return r, ok
}

type document struct {
	Version string    `toml:"version"`
	Rules   []ruleDoc `toml:"rules"`
}

type ruleDoc struct {
	Code        string  `toml:"code"`
	Description string  `toml:"description"`
	Category    string  `toml:"category"`
	Scope       string  `toml:"scope"`
	Role        string  `toml:"role"`
	Priority    string  `toml:"priority"`
	Policy      string  `toml:"policy"`
	RateSource  string  `toml:"rate_source"`
	Percent     float64 `toml:"percent"`
}

// Versions lists the catalog versions compiled into the binary.
func Versions() []string {
	entries, err := versionFS.ReadDir("versions")
	if err != nil {
		return nil
	}

	var versions []string
	for _, e := range entries {
		versions = append(versions, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(versions)
	return versions
}

// Load parses and validates one catalog version.
func Load(version string) (*Catalog, error) {
	data, err := versionFS.ReadFile(fmt.Sprintf("versions/%s.toml", version))
	if err != nil {
		return nil, fmt.Errorf("unknown catalog version %s", version)
	}

	var doc document
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, errors.Wrapf(err, "cannot parse catalog version %s", version)
	}
	if doc.Version != version {
		return nil, fmt.Errorf("catalog version mismatch: file %s declares %s", version, doc.Version)
	}

	c := &Catalog{
		version: doc.Version,
		byCode:  make(map[string]Rule, len(doc.Rules)),
	}

	for _, rd := range doc.Rules {
		rule, err := buildRule(rd)
		if err != nil {
			return nil, errors.Wrapf(err, "catalog %s rule %s", version, rd.Code)
		}
		if _, dup := c.byCode[rule.Code]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate rule code %s", version, rule.Code)
		}

		c.byCode[rule.Code] = rule
		switch rule.Scope {
		case ScopeClaim:
			c.claimRules = append(c.claimRules, rule)
		case ScopeLine:
			c.lineRules = append(c.lineRules, rule)
		}
	}

	if len(c.claimRules) == 0 {
		return nil, fmt.Errorf("catalog %s contains no claim-scope rules", version)
	}

	return c, nil
}

func buildRule(rd ruleDoc) (Rule, error) {
	if rd.Code == "" {
		return Rule{}, fmt.Errorf("rule is missing a code")
	}

	scope := RuleScope(rd.Scope)
	if scope != ScopeClaim && scope != ScopeLine {
		return Rule{}, fmt.Errorf("unknown scope %q", rd.Scope)
	}

	role := models.ReviewerRole(rd.Role)
	if role != models.RoleClinical && role != models.RoleAdministrative {
		return Rule{}, fmt.Errorf("unknown role %q", rd.Role)
	}

	priority := models.Tier(rd.Priority)
	if priority.Weight() == 0 {
		return Rule{}, fmt.Errorf("unknown priority %q", rd.Priority)
	}

	policy, err := buildPolicy(rd)
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		Code:         rd.Code,
		Description:  rd.Description,
		Category:     rd.Category,
		Scope:        scope,
		RequiredRole: role,
		Priority:     priority,
		Policy:       policy,
	}, nil
}

func buildPolicy(rd ruleDoc) (Policy, error) {
	switch PolicyKind(rd.Policy) {
	case PolicyWholeValue:
		return Policy{Kind: PolicyWholeValue}, nil
	case PolicyUnitDelta:
		source := RateSource(rd.RateSource)
		if source != RateSourceTariff && source != RateSourceAgreement {
			return Policy{}, fmt.Errorf("unit_delta policy requires rate_source tariff or agreement, got %q", rd.RateSource)
		}
		return Policy{Kind: PolicyUnitDelta, RateSource: source}, nil
	case PolicyPercentage:
		if rd.Percent <= 0 || rd.Percent > 100 {
			return Policy{}, fmt.Errorf("percentage policy requires percent in (0, 100], got %v", rd.Percent)
		}
		return Policy{Kind: PolicyPercentage, Percent: rd.Percent}, nil
	default:
		return Policy{}, fmt.Errorf("unknown policy %q", rd.Policy)
	}
}
