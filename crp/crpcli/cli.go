package crpcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/veritashealth/crp-app/conf"
	"github.com/veritashealth/crp-app/crp/catalog"
	"github.com/veritashealth/crp-app/crp/database"
	"github.com/veritashealth/crp-app/crp/models"
	"github.com/veritashealth/crp-app/crp/models/postgres"
	"github.com/veritashealth/crp-app/crp/monitoring"
	"github.com/veritashealth/crp-app/crp/reference"
	"github.com/veritashealth/crp-app/crp/service"
)

// App Name and usage.  Edit them here to prevent breaking tests
const Name = "crp"
const Usage = "Claims Review Pipeline CLI"

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	var claimID, claimIDs, findingID, action, actorID, justification string
	var reviewerID, reviewerName, reviewerRole, specialization, catalogVersion string
	var overrideAmount float64
	var capacity float64
	app.Commands = []cli.Command{
		{
			Name:  "process-claims",
			Usage: "Classify and evaluate validated claims",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "claim-id",
					Usage:       "Process only this claim",
					Destination: &claimID,
				},
			},
			Action: func(c *cli.Context) error {
				m := monitoring.GetMonitor()
				txn := m.Start("process-claims")
				defer m.End(txn)

				svc, repo, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				ctx := m.NewContext(context.Background(), txn)
				ids := []string{claimID}
				if claimID == "" {
					claims, err := repo.GetClaimsByStatus(ctx, models.ClaimStatusValidated)
					if err != nil {
						return err
					}
					ids = ids[:0]
					for _, claim := range claims {
						ids = append(ids, claim.ID)
					}
				}

				for _, id := range ids {
					claim, err := svc.ProcessClaim(ctx, id)
					if err != nil {
						log.Errorf("Failed to process claim %s: %s", id, err)
						continue
					}
					fmt.Fprintf(app.Writer, "%s %s\n", claim.ID, claim.Status)
				}
				return nil
			},
		},
		{
			Name:  "distribute",
			Usage: "Distribute unassigned pending findings across reviewers",
			Action: func(c *cli.Context) error {
				m := monitoring.GetMonitor()
				txn := m.Start("distribute")
				defer m.End(txn)

				svc, _, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				result, err := svc.DistributePending(m.NewContext(context.Background(), txn))
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "assignments=%d unassigned=%d balance=%.3f\n",
					len(result.Assignments), len(result.Unassigned), result.BalanceScore)
				return nil
			},
		},
		{
			Name:  "distribute-audits",
			Usage: "Distribute whole-claim audits across reviewers",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "claim-ids",
					Usage:       "Comma-separated claim ids to audit",
					Destination: &claimIDs,
				},
			},
			Action: func(c *cli.Context) error {
				if claimIDs == "" {
					return errors.New("claim-ids is required")
				}

				svc, _, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				result, err := svc.DistributeClaimAudits(context.Background(), strings.Split(claimIDs, ","))
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "assignments=%d unassigned=%d balance=%.3f\n",
					len(result.Assignments), len(result.Unassigned), result.BalanceScore)
				return nil
			},
		},
		{
			Name:  "record-decision",
			Usage: "Record a human review decision",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "finding-id", Destination: &findingID},
				cli.StringFlag{Name: "claim-id", Destination: &claimID},
				cli.StringFlag{Name: "action", Usage: "APPROVE_ONE, MODIFY, REASSIGN, APPROVE_ALL or REJECT_ALL", Destination: &action},
				cli.StringFlag{Name: "actor", Destination: &actorID},
				cli.StringFlag{Name: "justification", Destination: &justification},
				cli.Float64Flag{Name: "amount", Usage: "Override amount for MODIFY", Destination: &overrideAmount},
			},
			Action: func(c *cli.Context) error {
				if action == "" || actorID == "" {
					return errors.New("action and actor are required")
				}

				svc, _, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				d := models.Decision{
					FindingID:     findingID,
					ClaimID:       claimID,
					Action:        models.DecisionAction(action),
					ActorID:       actorID,
					Justification: justification,
				}
				if c.IsSet("amount") {
					d.OverrideAmount = &overrideAmount
				}
				return svc.RecordDecision(context.Background(), d)
			},
		},
		{
			Name:  "reconcile-deadlines",
			Usage: "Expire past-due assignments and redistribute their items",
			Action: func(c *cli.Context) error {
				m := monitoring.GetMonitor()
				txn := m.Start("reconcile-deadlines")
				defer m.End(txn)

				svc, _, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				expired, result, err := svc.ReconcileDeadlines(m.NewContext(context.Background(), txn))
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "expired=%d reassigned=%d unassigned=%d\n",
					expired, len(result.Assignments), len(result.Unassigned))
				return nil
			},
		},
		{
			Name:  "withdraw-item",
			Usage: "Withdraw a finding from active distribution",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "finding-id", Destination: &findingID},
				cli.StringFlag{Name: "actor", Destination: &actorID},
			},
			Action: func(c *cli.Context) error {
				if findingID == "" || actorID == "" {
					return errors.New("finding-id and actor are required")
				}

				svc, _, cleanup, err := buildService()
				if err != nil {
					return err
				}
				defer cleanup()

				return svc.WithdrawItem(context.Background(), findingID, actorID)
			},
		},
		{
			Name:  "create-reviewer",
			Usage: "Register a reviewer profile",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "id", Destination: &reviewerID},
				cli.StringFlag{Name: "name", Destination: &reviewerName},
				cli.StringFlag{Name: "role", Usage: "CLINICAL or ADMINISTRATIVE", Destination: &reviewerRole},
				cli.StringFlag{Name: "specialization", Destination: &specialization},
				cli.Float64Flag{Name: "capacity", Usage: "Daily capacity in effort units", Destination: &capacity},
			},
			Action: func(c *cli.Context) error {
				if reviewerID == "" || reviewerRole == "" {
					return errors.New("id and role are required")
				}

				db := database.GetDbConnection()
				defer db.Close()

				reviewer := models.ReviewerProfile{
					ID:             reviewerID,
					Name:           reviewerName,
					Role:           models.ReviewerRole(reviewerRole),
					Specialization: specialization,
					DailyCapacity:  capacity,
					Available:      true,
				}
				if err := postgres.NewRepository(db).CreateReviewer(context.Background(), reviewer); err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "%s\n", reviewer.ID)
				return nil
			},
		},
		{
			Name:  "show-catalog",
			Usage: "Print the rules of a catalog version",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "version",
					Usage:       "Catalog version, defaults to the active one",
					Destination: &catalogVersion,
				},
			},
			Action: func(c *cli.Context) error {
				version := catalogVersion
				if version == "" {
					version = service.LoadConfig().CatalogVersion
				}
				cat, err := catalog.Load(version)
				if err != nil {
					return err
				}

				fmt.Fprintf(app.Writer, "catalog %s\n", cat.Version())
				for _, rule := range cat.ClaimRules() {
					fmt.Fprintf(app.Writer, "  %s [claim] %s\n", rule.Code, rule.Description)
				}
				for _, rule := range cat.LineRules() {
					fmt.Fprintf(app.Writer, "  %s [line]  %s\n", rule.Code, rule.Description)
				}
				return nil
			},
		},
	}

	return app
}

// buildService wires the postgres repository and the configured reference
// resolver into a Service. The cleanup func closes the database connection.
func buildService() (service.Service, models.Repository, func(), error) {
	db := database.GetDbConnection()
	repo := postgres.NewRepository(db)

	var resolver service.ReferenceResolver = reference.EmptyResolver{}
	if path := conf.GetEnv("CRP_REFERENCE_FILE"); path != "" {
		fr, err := reference.NewFileResolver(path)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		resolver = fr
	}

	svc, err := service.NewService(repo, resolver, service.LoadConfig())
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	return svc, repo, func() { db.Close() }, nil
}
