// Package reference resolves the external facts rule predicates consume. The
// file-backed resolver serves batch runs and local work; facts absent from the
// file stay unresolved and the engine skips the rules that need them.
package reference

import (
	"context"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/veritashealth/crp-app/crp/engine"
	"github.com/veritashealth/crp-app/crp/models"
)

type providerEntry struct {
	ID        string `toml:"id"`
	InNetwork bool   `toml:"in_network"`
}

type fileFacts struct {
	Providers           []providerEntry    `toml:"provider"`
	CoveredBeneficiary  *bool              `toml:"covered_beneficiary"`
	Tariffs             map[string]float64 `toml:"tariffs"`
	AgreedRates         map[string]float64 `toml:"agreed_rates"`
	AuthorizedCodes     []string           `toml:"authorized_codes"`
	CoveredServiceCodes []string           `toml:"covered_service_codes"`
	ClinicalFlagLines   []string           `toml:"clinical_flag_lines"`
}

// FileResolver serves reference facts loaded once from a TOML file.
type FileResolver struct {
	facts fileFacts
}

var _ interface {
	Resolve(ctx context.Context, claim models.Claim, lines []*models.ServiceLine) (engine.Reference, error)
} = &FileResolver{}

func NewFileResolver(path string) (*FileResolver, error) {
	var facts fileFacts
	if _, err := toml.DecodeFile(path, &facts); err != nil {
		return nil, errors.Wrapf(err, "cannot load reference facts from %s", path)
	}
	return &FileResolver{facts: facts}, nil
}

func (r *FileResolver) Resolve(_ context.Context, claim models.Claim, lines []*models.ServiceLine) (engine.Reference, error) {
	ref := engine.Reference{
		BeneficiaryCovered: r.facts.CoveredBeneficiary,
		TariffByCode:       r.facts.Tariffs,
		AgreedRateByCode:   r.facts.AgreedRates,
	}

	for _, p := range r.facts.Providers {
		if p.ID == claim.ProviderID {
			inNetwork := p.InNetwork
			ref.ProviderInNetwork = &inNetwork
			break
		}
	}

	if r.facts.AuthorizedCodes != nil {
		ref.AuthorizedCodes = toSet(r.facts.AuthorizedCodes)
	}
	if r.facts.CoveredServiceCodes != nil {
		ref.CoveredServiceCodes = toSet(r.facts.CoveredServiceCodes)
	}
	if r.facts.ClinicalFlagLines != nil {
		flagged := toSet(r.facts.ClinicalFlagLines)
		flags := make(map[string]bool, len(lines))
		for _, line := range lines {
			flags[line.ID] = flagged[line.ID]
		}
		ref.ClinicalFlags = flags
	}

	return ref, nil
}

// EmptyResolver resolves nothing. Every fact-dependent rule is skipped with a
// gap; useful when no reference file is configured.
type EmptyResolver struct{}

func (EmptyResolver) Resolve(context.Context, models.Claim, []*models.ServiceLine) (engine.Reference, error) {
	return engine.Reference{}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
