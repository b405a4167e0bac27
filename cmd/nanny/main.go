package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nannyproc/nanny/pkg/nanny"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "nanny",
	Short:   "nanny supervises a fixed pool of worker processes behind round-robin listeners",
	Long:    `nanny spawns a fixed pool of worker processes, load-balances accepted connections across whichever of them are healthy, and restarts workers that crash or fail health checks.`,
	Version: "0.1.0",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the cluster supervisor and block until interrupted",
	RunE:  runRun,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a cluster supervisor's current state as JSON",
	Long:  `inspect builds the same cluster supervisor a run would, without starting it, and prints its inspection state once. It does not connect to a running supervisor. Worker slots and load balancers are only created when a supervisor starts, so the printed worker and balancer lists are empty.`,
	RunE:  runInspect,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to nanny.yaml (defaults to ./nanny.yaml, ./config/nanny.yaml, /etc/nanny/nanny.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildSupervisor() (*nanny.ClusterSupervisor, error) {
	cfg, err := nanny.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := nanny.NewLogger(cfg.Logging)

	secret, err := loadSecret(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}

	codec, err := nanny.NewCodec(nanny.CodecJSON)
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}

	peerVerification := nanny.PeerVerificationConfig{
		RequireSameUser: cfg.Security.RequireSameUser,
		AllowedUIDs:     cfg.Security.AllowedUIDs,
	}

	factory := func(id nanny.LogicalId, events nanny.WorkerEvents) nanny.WorkerProcess {
		return nanny.NewProcessWorkerSupervisor(id, events, nanny.ProcessWorkerConfig{
			Command:          cfg.Pool.WorkerPath,
			Args:             cfg.Pool.WorkerArgv,
			StartTimeout:     cfg.Pool.GraceWindow,
			Socket:           cfg.Socket,
			Secret:           secret,
			Codec:            codec,
			PeerVerification: peerVerification,
		}, logger)
	}

	return nanny.NewClusterSupervisor(*cfg, factory, nil, logger), nil
}

func loadSecret(cfg nanny.SecurityConfig) ([]byte, error) {
	if cfg.SecretHex == "" {
		return nanny.GenerateSecret()
	}
	return nanny.SecretFromHex(cfg.SecretHex)
}

func runRun(cmd *cobra.Command, args []string) error {
	cs, err := buildSupervisor()
	if err != nil {
		return err
	}

	cs.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cs.Stop()
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	cs, err := buildSupervisor()
	if err != nil {
		return err
	}

	state := cs.Inspect()
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
