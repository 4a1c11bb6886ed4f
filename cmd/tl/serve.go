package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/remote"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the reference cloud document service",
	Long: `Run the document service that tl syncs with.

Endpoints:
  POST /v1/auth/signup, /v1/auth/signin  accounts and session tokens
  POST /v1/auth/signout                  end the session
  GET  /v1/me                            the signed in user
  GET  /v1/data                          download every collection
  POST /v1/data                          upload changes and deletions
  GET  /v1/changes                       websocket stream of remote changes
  GET  /health                           liveness

Example usage:
  TEMPLELEDGER_SERVER_JWT_SECRET=change-me tl serve
  tl serve --addr :9000 --data ./server.db`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		dataPath, _ := cmd.Flags().GetString("data")

		scfg := remote.DefaultServerConfig()
		scfg.Addr = cfg.Server.Addr
		scfg.DBPath = cfg.Server.DBPath
		scfg.JWTSecret = []byte(cfg.Server.JWTSecret)
		scfg.TokenTTL = cfg.Server.TokenTTL
		scfg.Logger = logger("server")
		if cmd.Flags().Changed("addr") {
			scfg.Addr = addr
		}
		if cmd.Flags().Changed("data") {
			scfg.DBPath = dataPath
		}
		if len(scfg.JWTSecret) == 0 {
			fail("server.jwt_secret is required (or TEMPLELEDGER_SERVER_JWT_SECRET)")
		}

		server, err := remote.NewServer(scfg)
		if err != nil {
			fail("%v", err)
		}
		if err := server.Start(); err != nil {
			fail("failed to start server: %v", err)
		}
		if scfg.DBPath == "" {
			fmt.Fprintln(os.Stderr, "Warning: no server.db_path set; data is kept in memory only")
		}
		fmt.Printf("Document service listening on %s\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().String("data", "", "server database path (default: server.db_path)")
	rootCmd.AddCommand(serveCmd)
}
