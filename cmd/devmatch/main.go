package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/internal/version"
	"github.com/devmatch/devmatch/server"
	"github.com/devmatch/devmatch/store"
	"github.com/devmatch/devmatch/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "devmatch",
	Short: `A Telegram matchmaking service for IT professionals. Chat with the bot, get a profile, get introduced.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Systemd deployments inject configuration through the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Port:    viper.GetInt("port"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			printDatabaseError(err)
			slog.Error("failed to create db driver", "error", err)
			os.Exit(1)
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			os.Exit(1)
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", "error", err)
			os.Exit(1)
		}

		c := make(chan os.Signal, 1)
		// The default signal sent by `kill` is SIGTERM, which most process
		// managers use to request a graceful shutdown.
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			slog.Info("shutdown requested")
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(ctx); err != nil {
			slog.Error("server stopped with error", "error", err)
			s.Shutdown(context.Background())
			os.Exit(1)
		}
		s.Shutdown(context.Background())
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28084)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().Int("port", 28084, "port of the health/metrics endpoint")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, flag := range []string{"mode", "port", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("devmatch")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("devmatch %s started\n", profile.Version)
	if profile.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Agent mode: %s\n", profile.AgentMode)
	fmt.Printf("Health endpoint: http://localhost:%d/healthz\n", profile.Port)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError gives actionable hints for the common connection failures.
func printDatabaseError(err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		fmt.Fprintln(os.Stderr, "PostgreSQL is not reachable. Check that it is running and the DSN host/port are right.")
	case strings.Contains(msg, "SSL is not enabled") || strings.Contains(msg, "sslmode"):
		fmt.Fprintln(os.Stderr, "SSL mismatch. Try adding ?sslmode=disable to the DSN for local development.")
	case strings.Contains(msg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "Authentication failed. Check the credentials in DEVMATCH_DSN or .env.")
	case strings.Contains(msg, "does not exist"):
		fmt.Fprintln(os.Stderr, `Database missing. Create it with: psql -U postgres -c "CREATE DATABASE devmatch;"`)
	case strings.Contains(msg, "vector"):
		fmt.Fprintln(os.Stderr, `pgvector extension missing. Run: CREATE EXTENSION vector;`)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
