package service

import (
	"github.com/veritashealth/crp-app/conf"
	"github.com/veritashealth/crp-app/crp/assignment"
	"github.com/veritashealth/crp-app/crp/catalog"
	"github.com/veritashealth/crp-app/crp/classification"
	"github.com/veritashealth/crp-app/crp/utils"
)

type Config struct {
	CatalogVersion string

	// Business-day window for the late-submission rule and the legal review
	// deadline. The regulation leaves the exact width to configuration.
	LegalWindowBusinessDays int

	Classification classification.Config
	Assignment     assignment.Config
}

func LoadConfig() Config {
	version := conf.GetEnv("CRP_CATALOG_VERSION")
	if version == "" {
		version = catalog.DefaultVersion
	}

	return Config{
		CatalogVersion:          version,
		LegalWindowBusinessDays: utils.GetEnvInt("CRP_LEGAL_WINDOW_BUSINESS_DAYS", 22),
		Classification:          classification.LoadConfig(),
		Assignment:              assignment.LoadConfig(),
	}
}
