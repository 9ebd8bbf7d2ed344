package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/fleetgate/internal/alert"
	"github.com/ppiankov/fleetgate/internal/approval"
	"github.com/ppiankov/fleetgate/internal/audit"
	"github.com/ppiankov/fleetgate/internal/config"
	"github.com/ppiankov/fleetgate/internal/consensus"
	"github.com/ppiankov/fleetgate/internal/controller"
	"github.com/ppiankov/fleetgate/internal/quarantine"
	"github.com/ppiankov/fleetgate/internal/runner"
	"github.com/ppiankov/fleetgate/internal/state"
	"github.com/ppiankov/fleetgate/internal/telegram"
	"github.com/ppiankov/fleetgate/internal/watchdog"
)

var (
	serveRoot    string
	serveEnvFile string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Repository root the tool scripts run from")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram control loop",
	Long:  "Long-polls the bot API, dispatches operator commands, and runs the fleet watchdog.\nConfiguration comes from TELEGRAM_* environment variables; a missing bot token\nor chat allowlist is fatal.",
	RunE:  runServe,
}

// agentCaller routes consensus prompts through the command runner.
type agentCaller struct {
	exec *runner.Exec
}

func (a *agentCaller) Prompt(service, prompt string, timeout time.Duration) (int, string) {
	return a.exec.Run([]string{"./scripts/prompt-one-agent.sh", service, prompt}, timeout)
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(serveEnvFile)

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(2)
	}

	root, err := filepath.Abs(serveRoot)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	cfg.RootDir = root
	stateDir := filepath.Join(root, "autonomy", "state")

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	stateStore, err := state.NewStore(stateDir)
	if err != nil {
		return err
	}
	approvals, err := approval.NewStore(filepath.Join(stateDir, "telegram-approvals"))
	if err != nil {
		return err
	}

	screen := quarantine.New(cfg.QuarantineAllowedHosts)
	if cfg.QuarantinePolicyPath != "" {
		data, err := os.ReadFile(cfg.QuarantinePolicyPath)
		if err != nil {
			return fmt.Errorf("read quarantine policy: %w", err)
		}
		var policy quarantine.Policy
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return fmt.Errorf("parse quarantine policy: %w", err)
		}
		if err := screen.ExtendFromPolicy(policy); err != nil {
			return err
		}
	}

	var alerts *alert.Dispatcher
	if cfg.AlertConfigPath != "" {
		configs, err := alert.LoadConfigs(cfg.AlertConfigPath)
		if err != nil {
			return err
		}
		alerts = alert.NewDispatcher(configs)
	}

	trail, err := audit.Open(filepath.Join(stateDir, "control-audit.jsonl"))
	if err != nil {
		log.Warn().Err(err).Msg("audit trail disabled")
	} else {
		defer trail.Close()
	}

	exec := &runner.Exec{RootDir: root, DefaultTimeout: cfg.CommandTimeout}

	ctrl := &controller.Controller{
		Cfg:       cfg,
		State:     stateStore,
		Approvals: approvals,
		Voter: &consensus.Voter{
			Dir:    filepath.Join(stateDir, "consensus"),
			Leader: cfg.LeaderAgent,
			Min:    cfg.ConsensusMin,
			Caller: &agentCaller{exec: exec},
		},
		Screen:    screen,
		Transport: telegram.New(cfg.BotToken, cfg.MaxOutputChars),
		Runner:    exec,
		Alerts:    alerts,
		Audit:     trail,
		Log:       log,
	}

	wd := &watchdog.Watchdog{
		Cfg:       cfg,
		State:     stateStore,
		Approvals: approvals,
		Runner:    exec,
		Notifier:  ctrl.Transport,
		Log:       log,
		OnRequestCreated: func(req *approval.Request) {
			if trail != nil {
				_ = trail.Record(audit.Entry{
					Event: audit.EventWatchdogAlert, ChatID: req.ChatID,
					RequestID: req.ID, Reason: req.Reason,
				})
			}
			alerts.Dispatch(alert.Event{
				Type: alert.EventWatchdogAlert, ChatID: req.ChatID,
				RequestID: req.ID, Reason: req.Reason,
			})
			ctrl.TriggerPlanReview(req.ChatID, req, req.Reason)
		},
		OnRecovered: func() {
			if trail != nil {
				_ = trail.Record(audit.Entry{Event: audit.EventWatchdogRecovered})
			}
			alerts.Dispatch(alert.Event{Type: alert.EventWatchdogRecovered})
		},
	}
	ctrl.Watchdog = wd

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctrl.Run(ctx)
}
