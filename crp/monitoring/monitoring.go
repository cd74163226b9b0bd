package monitoring

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"

	"github.com/veritashealth/crp-app/conf"
)

var a *apm

type apm struct {
	App *newrelic.Application
}

// Start opens a transaction; nil when the agent could not be configured, so
// callers never need to care whether monitoring is live.
func (a *apm) Start(name string) *newrelic.Transaction {
	if a.App != nil {
		return a.App.StartTransaction(name)
	}
	return nil
}

func (a *apm) End(txn *newrelic.Transaction) {
	if txn != nil {
		txn.End()
	}
}

func (a *apm) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

func GetMonitor() *apm {
	if a == nil {
		target := conf.GetEnv("DEPLOYMENT_TARGET")
		if target == "" {
			target = "local"
		}
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(fmt.Sprintf("CRP-%s", target)),
			newrelic.ConfigLicense(conf.GetEnv("NEW_RELIC_LICENSE_KEY")),
			newrelic.ConfigEnabled(true),
			func(cfg *newrelic.Config) {
				cfg.HighSecurity = true
			},
		)
		if err != nil {
			log.Error(err)
		}
		a = &apm{
			App: app,
		}
	}
	return a
}
