// Command gatetun runs either side of the tunneling proxy core: a client
// that intercepts local traffic and forwards it over a tunnel to an
// upstream relay, or the relay itself.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gatetun/internal/conf"
	"gatetun/internal/flog"
	"gatetun/internal/proxy"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatetun",
		Short: "transparent TCP/UDP tunneling proxy",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "client",
		Short: "run the client: transparent redirect + SOCKS5 listeners feeding the tunnel",
		RunE:  runRole("client"),
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "server",
		Short: "run the relay: accepts tunnel sessions and dials real destinations",
		RunE:  runRole("server"),
	})

	registerPlatformCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRole(role string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		flog.SetLevel(int(cfg.Log.ToFlogLevel()))
		if cfg.Role != role {
			flog.Fatalf("config role %q does not match command %q", cfg.Role, role)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if role == "client" {
			return proxy.RunClient(ctx, cfg)
		}
		return proxy.RunServer(ctx, cfg)
	}
}
