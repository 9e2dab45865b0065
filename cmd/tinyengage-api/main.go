package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adseeker/tinyengage/internal/config"
	"github.com/adseeker/tinyengage/internal/links"
	"github.com/adseeker/tinyengage/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinyengage-api",
		Short: "One-click survey response service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newLinksCommand(), newOperatorTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("public.base_url"), "Public base URL used in response links")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres DSN")
	cmd.PersistentFlags().Int("token-expiration-days", defaults.GetInt("token.expiration_days"), "Default response link lifetime in days")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Response token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "public.base_url", "public-base-url")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.expiration_days", "token-expiration-days")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := app.httpHandler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLinksCommand() *cobra.Command {
	var (
		surveyID      string
		email         string
		expiresInDays int
	)
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Print signed response links for every option of a survey",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			issued, err := app.links.Issue(cmd.Context(), links.IssueRequest{
				SurveyID:   surveyID,
				Email:      email,
				Expiration: time.Duration(expiresInDays) * 24 * time.Hour,
			})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(issued)
		},
	}
	cmd.Flags().StringVar(&surveyID, "survey", "", "Survey identifier")
	cmd.Flags().StringVar(&email, "email", "", "Recipient email; omit for an anonymous recipient")
	cmd.Flags().IntVar(&expiresInDays, "expires-in-days", 0, "Link lifetime in days (default token.expiration_days)")
	_ = cmd.MarkFlagRequired("survey")
	return cmd
}

func newOperatorTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Mint a bearer token for the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, _, err := loadRuntime()
			if err != nil {
				return err
			}
			issuer, err := newOperatorIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at=%s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
