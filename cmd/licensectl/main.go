// Command licensectl is the client-side license tool: it activates, checks
// and unbinds this device's license and can run the heartbeat loop in the
// foreground.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: licensectl [-config file] <command> [flags]

commands:
  activate  -key KEY -system TYPE [-force]   bind this device to a license
  verify                                     run one heartbeat check
  check     -key KEY [-system TYPE]          probe a key's status
  unbind                                     release this device's binding
  status                                     show local license state
  machine                                    print this device's machine code
  run                                        run the heartbeat loop in the foreground
`)
	os.Exit(2)
}

func main() {
	configFile := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fatal("failed to load configuration", err)
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fatal("failed to initialize logger", err)
	}
	defer infrastructure.CloseLogger()

	client := license.NewClient(cfg.Heartbeat.ServerURL, cfg.Security.ClientSecret, cfg.Heartbeat.RequestTimeout)
	fingerprints := security.NewFingerprintManager(cfg.Security.ClientSecret)
	controller := license.NewController(client, fingerprints, cfg.Heartbeat, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "activate":
		runActivate(ctx, controller, flag.Args()[1:])
	case "verify":
		runVerify(ctx, controller)
	case "check":
		runCheck(ctx, client, flag.Args()[1:])
	case "unbind":
		runUnbind(ctx, controller)
	case "status":
		runStatus(cfg)
	case "machine":
		runMachine(fingerprints)
	case "run":
		runLoop(ctx, controller, logger)
	default:
		usage()
	}
}

func fatal(message string, err error) {
	fmt.Fprintf(os.Stderr, "licensectl: %s: %v\n", message, err)
	os.Exit(1)
}

func runActivate(ctx context.Context, controller *license.Controller, args []string) {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	key := fs.String("key", "", "license key")
	system := fs.String("system", string(domain.SystemDesktop), "system type (desktop or studio)")
	force := fs.Bool("force", false, "move the binding from another device")
	fs.Parse(args)

	if *key == "" {
		fatal("activate", fmt.Errorf("-key is required"))
	}

	resp, err := controller.Activate(ctx, *key, domain.SystemType(*system), *force)
	if err != nil {
		fatal("activation failed", err)
	}
	if !resp.Success {
		fmt.Printf("activation denied: %s (%s)\n", resp.Message, resp.Code)
		os.Exit(1)
	}

	fmt.Println("license activated")
	if resp.Data != nil {
		fmt.Printf("  level:   %s\n", resp.Data.MemberLevel)
		fmt.Printf("  expires: %s (%d days)\n",
			resp.Data.ExpireAt.Local().Format("2006-01-02"), resp.Data.DaysRemaining)
	}
}

func runVerify(ctx context.Context, controller *license.Controller) {
	controller.Start(ctx)
	defer controller.Stop()

	// One round is enough; Start performs an immediate heartbeat.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if controller.State() != license.StateUnauthorized || controller.CurrentSnapshot() == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	state := controller.State()
	fmt.Printf("authorization: %s\n", state)
	if state == license.StateUnauthorized {
		os.Exit(1)
	}
}

func runCheck(ctx context.Context, client *license.Client, args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	key := fs.String("key", "", "license key")
	system := fs.String("system", "", "system type to match (optional)")
	fs.Parse(args)

	if *key == "" {
		fatal("check", fmt.Errorf("-key is required"))
	}

	result, err := client.Check(ctx, *key, domain.SystemType(*system))
	if err != nil {
		fatal("check failed", err)
	}
	if !result.Success {
		fmt.Printf("check denied: %s (%s)\n", result.Message, result.Code)
		os.Exit(1)
	}
	fmt.Printf("status: %s\nsystem: %s\nlevel:  %s\nbound:  %v\n",
		result.Data.Status, result.Data.SystemType, result.Data.MemberLevel, result.Data.IsBound)
}

func runUnbind(ctx context.Context, controller *license.Controller) {
	controller.Restore()

	resp, err := controller.Unbind(ctx)
	if err != nil {
		fatal("unbind failed", err)
	}
	if !resp.Success {
		fmt.Printf("unbind denied: %s (%s)\n", resp.Message, resp.Code)
		os.Exit(1)
	}
	fmt.Println("license unbound; this device no longer holds the binding")
}

func runStatus(cfg *config.Config) {
	snap, err := license.LoadSnapshot(cfg.Heartbeat.SnapshotPath, cfg.Security.ClientSecret)
	if err != nil {
		fmt.Println("no local license")
		os.Exit(1)
	}
	fmt.Printf("key:           %s\nsystem:        %s\nlevel:         %s\nexpires:       %s\nlast verified: %s\n",
		snap.LicenseKey, snap.SystemType, snap.MemberLevel,
		snap.ExpireAt.Local().Format("2006-01-02"),
		snap.LastVerifiedAt.Local().Format(time.RFC3339))
}

func runMachine(fingerprints *security.FingerprintManager) {
	fp, err := fingerprints.GenerateFingerprint()
	if err != nil {
		fatal("fingerprint failed", err)
	}
	fmt.Println(fp.Fingerprint)
}

func runLoop(ctx context.Context, controller *license.Controller, logger *slog.Logger) {
	controller.Start(ctx)
	defer controller.Stop()

	logger.Info("heartbeat loop running, Ctrl-C to stop")
	<-ctx.Done()
}
