package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internals/conf"
	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/env"
	"github.com/loomworks/loom/loomd/core"
	"github.com/loomworks/loom/loomd/server"
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Loom orchestration daemon",
	Long: `Loomd plans multi-step content production runs as dependency graphs
and drives each task through generate, evaluate and approval until the
whole run settles. Runs are controlled over a local HTTP API.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := core.NewBase(cmd.Context())
		if err != nil {
			return err
		}
		defer base.Close()

		serverInstance := server.New(base)

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			base.Logger.Info("shutting down")
			serverInstance.Shutdown()
		}()

		base.Logger.Info("starting loomd",
			"version", base.Config.Version,
			"addr", base.Env.LISTEN_ADDR,
			"data_dir", base.Config.Server.DataDir)
		return serverInstance.Start()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List interrupted sessions awaiting explicit resume",
	RunE: func(cmd *cobra.Command, args []string) error {
		environment := env.Get()
		res, err := http.Get(environment.BASE_URL + "/sessions/resumable")
		if err != nil {
			return fmt.Errorf("is loomd running? %w", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %d", res.StatusCode)
		}

		var payload struct {
			Sessions []engine.Snapshot `json:"sessions"`
		}
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			return err
		}
		if len(payload.Sessions) == 0 {
			fmt.Println("no resumable sessions")
			return nil
		}
		for _, snap := range payload.Sessions {
			fmt.Printf("%s\t%s\t%d/%d tasks\n",
				snap.SessionID, snap.Status, snap.Stats.Settled(), snap.Stats.Total)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := conf.Default()
		if err != nil {
			log.Fatal("[Loom] Failed to load config: ", err)
		}
		fmt.Println(config.Version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, sessionsCmd, versionCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
