package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/tentacle/internal/auth"
	"github.com/memohai/tentacle/internal/config"
	"github.com/memohai/tentacle/internal/instance"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tentacle",
		Short:        "Discord gateway for configured AI agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "path to config.toml (env CONFIG_PATH)")
	root.AddCommand(newServeCmd(), newCheckCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runServe(path)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print every instance's capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tiers, err := config.LoadTiers(cfg.Gateway.TiersPath)
			if err != nil {
				return err
			}
			resolver, err := instance.NewResolver(nil, tiers)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range resolver.InstanceIDs() {
				ec, err := resolver.Resolve(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\tprovider=%s\tmemory=%s\tcapabilities=%v\n", id, ec.AI.Provider, ec.Memory, ec.Capabilities.Strings())
			}
			if id, ok := resolver.CommandInstanceID(); ok {
				fmt.Fprintf(out, "commands -> %d\n", id)
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = cfg.Auth.ExpiresIn()
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("subject", "admin", "token subject")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.jwt_expires_in)")
	return cmd
}
