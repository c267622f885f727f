package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-gateway",
		Short: "Real-time document collaboration gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCodecCommand(), newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("instance-id", "", "Origin tag for fan-out messages (generated when empty)")
	flags.String("identity-mode", defaults.GetString("identity.mode"), "Credential verification mode (jwks, shared_secret)")
	flags.String("jwks-url", defaults.GetString("identity.jwks_url"), "Identity provider JWKS URL")
	flags.String("issuers", defaults.GetString("identity.issuers"), "Comma-separated trusted token issuers")
	flags.String("signing-secret", "", "Shared signing secret (overrides env)")
	flags.String("membership-dsn", defaults.GetString("membership.dsn"), "Membership store DSN")
	flags.Bool("membership-migrate", defaults.GetBool("membership.migrate"), "Create membership tables on startup (local databases only)")
	flags.String("snapshots-dsn", defaults.GetString("snapshots.dsn"), "Snapshot store DSN")
	flags.Bool("codec-enabled", defaults.GetBool("codec.enabled"), "Use the out-of-process codec bridge")
	flags.String("codec-host", defaults.GetString("codec.host"), "Codec bridge host")
	flags.Int("codec-port", defaults.GetInt("codec.port"), "Codec bridge port")
	flags.String("pubsub-url", defaults.GetString("pubsub.url"), "Redis URL for cross-instance fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "instance.id", "instance-id")
	bindFlag(cmd, "identity.mode", "identity-mode")
	bindFlag(cmd, "identity.jwks_url", "jwks-url")
	bindFlag(cmd, "identity.issuers", "issuers")
	bindFlag(cmd, "identity.signing_secret", "signing-secret")
	bindFlag(cmd, "membership.dsn", "membership-dsn")
	bindFlag(cmd, "membership.migrate", "membership-migrate")
	bindFlag(cmd, "snapshots.dsn", "snapshots-dsn")
	bindFlag(cmd, "codec.enabled", "codec-enabled")
	bindFlag(cmd, "codec.host", "codec-host")
	bindFlag(cmd, "codec.port", "codec-port")
	bindFlag(cmd, "pubsub.url", "pubsub-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newCodecCommand serves the reference codec over gRPC so the gateway's
// bridge can run against a separate process.
func newCodecCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "codec",
		Short: "Serve the reference codec over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				address = net.JoinHostPort(viper.GetString("codec.host"), viper.GetString("codec.port"))
			}
			return runCodecServer(cmd.Context(), address)
		},
	}
	cmd.Flags().StringVar(&address, "listen", "", "Codec listen address (defaults to codec.host:codec.port)")
	return cmd
}

func runCodecServer(ctx context.Context, address string) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"), "codec")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	if err := codec.RegisterServer(grpcServer, codec.NewReference(), logger); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("codec server starting", zap.String("address", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-signalCtx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// newMintTokenCommand issues development credentials for shared_secret mode.
func newMintTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint an HS256 credential accepted in shared_secret mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("identity.signing_secret")),
				Issuer:        viper.GetString("identity.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
