// cmd/gsfleet-probe/root.go
// Root command for the gsfleet-probe CLI: a small operator tool that
// authenticates a credential set against a platform and reports whether
// bootstrap reaches Ready, without embedding gsfleet into a host program.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet"
	"github.com/Voskan/gsfleet/internal/config"
	"github.com/Voskan/gsfleet/internal/logging"
)

var (
	cfgFile      string
	clientID     string
	clientSecret string
	username     string
	passwordHash string
	restBaseURL  string
	tokenURL     string
	wsURL        string
	xAPIKey      string
	redisURL     string
	probeTimeout time.Duration
	logJSON      bool

	rootCmd = &cobra.Command{
		Use:   "gsfleet-probe",
		Short: "Authenticate a credential set and report whether gsfleet bootstrap reaches Ready",
		RunE:  runProbe,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.Flags().StringVar(&clientID, "client-id", "", "Bot client id")
	rootCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Bot client secret")
	rootCmd.Flags().StringVar(&username, "username", "", "User principal username")
	rootCmd.Flags().StringVar(&passwordHash, "password", "", "User principal password or pre-computed SHA-512 hash")
	rootCmd.Flags().StringVar(&restBaseURL, "rest-base-url", "", "Platform REST base URL")
	rootCmd.Flags().StringVar(&tokenURL, "token-url", "", "Platform token endpoint")
	rootCmd.Flags().StringVar(&wsURL, "websocket-url", "", "Platform account WebSocket URL")
	rootCmd.Flags().StringVar(&xAPIKey, "x-api-key", "", "Platform x-api-key header value")
	rootCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "Overall probe timeout")
	rootCmd.Flags().StringVar(&redisURL, "redis-url", "", "Optional shared accept-invite idempotency cache")

	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the root command, printing any error and exiting non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}
}

func initLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if logJSON {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	logging.Set(logger)
	return logger
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := initLogger()
	defer logger.Sync()

	cfg := config.Load(cfgFile, "GSFLEET")
	if clientID != "" || clientSecret != "" {
		cfg.Credentials = config.Credentials{ClientID: clientID, ClientSecret: clientSecret}
	} else if username != "" {
		cfg.Credentials = config.Credentials{Username: username, PasswordHash: passwordHash}
	}
	if restBaseURL != "" {
		cfg.RestBaseURL = restBaseURL
	}
	if tokenURL != "" {
		cfg.TokenURL = tokenURL
	}
	if wsURL != "" {
		cfg.WebSocketURL = wsURL
	}
	if xAPIKey != "" {
		cfg.XAPIKey = xAPIKey
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	sup, err := gsfleet.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}
	defer sup.Dispose()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	fmt.Printf("ready: state=%s\n", sup.ReadyState())
	return nil
}
