// Command pdsmigrate drives a single account migration between two
// independently operated ATProto PDS instances, end to end, from the CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmove/pdsmigrate/pkg/blobstore"
	"github.com/atmove/pdsmigrate/pkg/config"
	"github.com/atmove/pdsmigrate/pkg/log"
	"github.com/atmove/pdsmigrate/pkg/metrics"
	"github.com/atmove/pdsmigrate/pkg/orchestrator"
	"github.com/atmove/pdsmigrate/pkg/pdsclient"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
	"github.com/atmove/pdsmigrate/pkg/session"
	"github.com/atmove/pdsmigrate/pkg/transfer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pdsmigrate",
	Short: "Migrate an ATProto account from one PDS to another",
	Long: `pdsmigrate moves a single ATProto account from a source PDS to a
destination PDS: repository, blobs, preferences, and identity, pausing once
for the emailed PLC operation verification token.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pdsmigrate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/pdsmigrate", "Directory holding the encrypted session store")
	rootCmd.PersistentFlags().String("passphrase", "", "Passphrase used to derive the session store encryption key (required)")
	rootCmd.PersistentFlags().String("config", "", "Path to a MigrationConfig YAML file (defaults applied if unset)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "If set, serve /metrics and /health on this address for the duration of the run")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a migration from the beginning (or resume one already in progress)",
	RunE: func(cmd *cobra.Command, args []string) error {
		oldIdentifier, _ := cmd.Flags().GetString("old-identifier")
		oldPassword, _ := cmd.Flags().GetString("old-password")
		oldPdsURL, _ := cmd.Flags().GetString("old-pds-url")
		newHandle, _ := cmd.Flags().GetString("new-handle")
		newPassword, _ := cmd.Flags().GetString("new-password")
		newEmail, _ := cmd.Flags().GetString("new-email")
		newPdsURL, _ := cmd.Flags().GetString("new-pds-url")
		inviteCode, _ := cmd.Flags().GetString("invite-code")

		if oldIdentifier == "" || oldPassword == "" || newHandle == "" || newPassword == "" || newEmail == "" || oldPdsURL == "" || newPdsURL == "" {
			return fmt.Errorf("--old-identifier, --old-password, --old-pds-url, --new-handle, --new-password, --new-email, and --new-pds-url are all required")
		}

		orch, bus, cleanup, err := buildOrchestrator(cmd, oldPdsURL, newPdsURL)
		if err != nil {
			return err
		}
		defer cleanup()

		stopPrinter := printProgress(bus)
		defer stopPrinter()

		ctx, cancel := signalContext()
		defer cancel()

		result, err := orch.Run(ctx, orchestrator.Params{
			OldIdentifier: oldIdentifier,
			OldPassword:   oldPassword,
			NewHandle:     pdstypes.Handle(newHandle),
			NewPassword:   newPassword,
			NewEmail:      newEmail,
			InviteCode:    inviteCode,
		})
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		printResult(result)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Complete a migration paused at the emailed PLC verification token",
	RunE: func(cmd *cobra.Command, args []string) error {
		did, _ := cmd.Flags().GetString("did")
		token, _ := cmd.Flags().GetString("token")
		oldPdsURL, _ := cmd.Flags().GetString("old-pds-url")
		newPdsURL, _ := cmd.Flags().GetString("new-pds-url")

		if did == "" || token == "" || oldPdsURL == "" || newPdsURL == "" {
			return fmt.Errorf("--did, --token, --old-pds-url, and --new-pds-url are all required")
		}

		orch, bus, cleanup, err := buildOrchestrator(cmd, oldPdsURL, newPdsURL)
		if err != nil {
			return err
		}
		defer cleanup()

		stopPrinter := printProgress(bus)
		defer stopPrinter()

		ctx, cancel := signalContext()
		defer cancel()

		result, err := orch.CompleteVerification(ctx, pdstypes.DID(did), token)
		if err != nil {
			return fmt.Errorf("resume failed: %w", err)
		}

		printResult(result)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the stored migration progress for a DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		did, _ := cmd.Flags().GetString("did")
		if did == "" {
			return fmt.Errorf("--did is required")
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if passphrase == "" {
			return fmt.Errorf("--passphrase is required")
		}

		store, err := session.Open(dataDir, session.DeriveKey(passphrase))
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer store.Close()

		prog, ok, err := store.GetProgress(pdstypes.DID(did))
		if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}
		if !ok {
			fmt.Println("no migration progress on record for this DID")
			return nil
		}

		fmt.Printf("%+v\n", prog)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().String("old-pds-url", "", "Base URL of the source PDS")
		cmd.Flags().String("new-pds-url", "", "Base URL of the destination PDS")
	}

	runCmd.Flags().String("old-identifier", "", "Handle or DID on the source PDS")
	runCmd.Flags().String("old-password", "", "Password on the source PDS")
	runCmd.Flags().String("new-handle", "", "Desired handle on the destination PDS")
	runCmd.Flags().String("new-password", "", "Desired password on the destination PDS")
	runCmd.Flags().String("new-email", "", "Email address to register on the destination PDS")
	runCmd.Flags().String("invite-code", "", "Invite code for the destination PDS, if required")

	resumeCmd.Flags().String("did", "", "DID of the account being migrated")
	resumeCmd.Flags().String("token", "", "Verification token emailed by the source PDS")

	statusCmd.Flags().String("did", "", "DID of the account being migrated")
}

// buildOrchestrator wires an Orchestrator from persistent flags shared by
// run and resume: the session store, blob store router, transfer selector,
// progress bus, and the two PDS RPC clients.
func buildOrchestrator(cmd *cobra.Command, oldPdsURL, newPdsURL string) (*orchestrator.Orchestrator, *progress.Bus, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if passphrase == "" {
		return nil, nil, nil, fmt.Errorf("--passphrase is required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	store, err := session.Open(dataDir, session.DeriveKey(passphrase))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}

	bus := progress.NewBus()
	bus.Start()

	collector := metrics.NewCollector(bus)
	collector.Start()

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	backends := []blobstore.Backend{blobstore.NewFSBackend(dataDir + "/blobcache")}
	router, err := blobstore.NewRouter(context.Background(), backends, cfg.MaxFallbackAttempts, bus)
	if err != nil {
		store.Close()
		bus.Stop()
		return nil, nil, nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	sel := transfer.NewSelector(int64(cfg.MaxConcurrentTransfers))

	oldClient := pdsclient.New(oldPdsURL, cfg.RequestTimeout).Component("old_pds")
	newClient := pdsclient.New(newPdsURL, cfg.RequestTimeout).Component("new_pds")

	orch := orchestrator.New(cfg, store, bus, router, sel, oldClient, newClient)

	cleanup := func() {
		collector.Stop()
		bus.Stop()
		store.Close()
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(ctx)
		}
	}

	return orch, bus, cleanup, nil
}

// printProgress drains bus events to stderr until Stop is called on the
// returned function.
func printProgress(bus *progress.Bus) func() {
	sub := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case e, ok := <-sub:
				if !ok {
					return
				}
				logLine(e)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		bus.Unsubscribe(sub)
	}
}

func logLine(e progress.Event) {
	switch e.Kind {
	case progress.KindStepBegan:
		fmt.Printf("[%s] starting\n", e.Step)
	case progress.KindStepCompleted:
		fmt.Printf("[%s] done (%dms)\n", e.Step, e.DurationMs)
	case progress.KindBlobProgress:
		fmt.Printf("blobs: %d/%d (%.1f%%)\n", e.Processed, e.Total, e.Percent)
	case progress.KindBlobFailed:
		fmt.Printf("blob %s failed: %s\n", e.CID, e.Message)
	case progress.KindWarning:
		fmt.Printf("warning: %s\n", e.Message)
	case progress.KindError:
		fmt.Printf("[%s] error: %s\n", e.Step, e.Message)
	case progress.KindCompleted:
		fmt.Printf("migration finished (success=%v)\n", e.Success)
	}
}

func printResult(result orchestrator.Result) {
	if result.AwaitingVerification {
		fmt.Printf("Migration for %s is paused: check the account's email on the source PDS for a PLC verification token, then run:\n", result.DID)
		fmt.Printf("  pdsmigrate resume --did %s --token <token> ...\n", result.DID)
		return
	}
	if result.Completed {
		fmt.Printf("Migration for %s completed successfully.\n", result.DID)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
