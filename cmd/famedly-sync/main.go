// Command famedly-sync runs one reconciliation pass between a Zitadel
// IAM instance and a single configured upstream source (LDAP, CSV, or
// the UKT deletion-list endpoint), then exits.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/famedly/sync/internal/config"
	"github.com/famedly/sync/internal/engine"
	"github.com/famedly/sync/internal/errtypes"
	"github.com/famedly/sync/internal/flags"
	syncuserlog "github.com/famedly/sync/internal/log"
	"github.com/famedly/sync/internal/sources/csvsource"
	"github.com/famedly/sync/internal/sources/ldapsource"
	"github.com/famedly/sync/internal/sources/uktsource"
	"github.com/famedly/sync/internal/zitadel"
)

var (
	configFlag  = flag.String("c", "", "path to config.yaml (defaults to FAMEDLY_SYNC_CONFIG, then ./config.yaml)")
	logModeFlag = flag.String("log-mode", "prod", "log output mode: dev or prod")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := syncuserlog.NewRunID()
	logger := syncuserlog.New(syncuserlog.Mode(*logModeFlag), runID)
	ctx = syncuserlog.WithLogger(ctx, logger)

	os.Exit(run(ctx, logger))
}

// run wires up the configured source, engine, and IAM client and
// drives one reconciliation pass. It returns the process exit code and
// leaves the os.Exit call to main.
func run(ctx context.Context, log zerolog.Logger) int {
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 2
	}

	parsedFlags, err := flags.Parse(cfg.FeatureFlags)
	if err != nil {
		log.Error().Err(err).Msg("invalid feature flags")
		return 2
	}

	client, err := zitadel.New(zitadel.Config{
		URL:            cfg.Zitadel.URL,
		KeyFile:        cfg.Zitadel.KeyFile,
		OrganizationID: cfg.Zitadel.OrganizationID,
		ProjectID:      cfg.Zitadel.ProjectID,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build zitadel client")
		return 2
	}

	eng := engine.New(client, cfg.Zitadel.ProjectID, cfg.Zitadel.IDPID, parsedFlags)

	var (
		summary engine.Summary
		runErr  error
	)

	switch {
	case cfg.Sources.LDAP != nil:
		src, err := ldapsource.New(*cfg.Sources.LDAP)
		if err != nil {
			log.Error().Err(err).Msg("failed to build ldap source")
			return 2
		}
		summary, runErr = eng.Run(ctx, src)
	case cfg.Sources.CSV != nil:
		src := csvsource.New(cfg.Sources.CSV.FilePath)
		summary, runErr = eng.Run(ctx, src)
	case cfg.Sources.UKT != nil:
		src := uktsource.New(*cfg.Sources.UKT)
		summary, runErr = eng.RunDeletions(ctx, src)
	default:
		// unreachable: config.Load already enforces exactly one source.
		log.Error().Msg("no source configured")
		return 2
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("sync run aborted")
		if errtypes.KindOf(runErr) == errtypes.Config {
			return 2
		}
		return 1
	}

	if summary.HasFailures() {
		return 1
	}
	return 0
}
