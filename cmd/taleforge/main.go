package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/taleforge/ai/llm"
	"github.com/hrygo/taleforge/ai/metrics"
	"github.com/hrygo/taleforge/ai/preset"
	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/internal/jobs"
	"github.com/hrygo/taleforge/internal/profile"
	"github.com/hrygo/taleforge/internal/version"
	"github.com/hrygo/taleforge/server"
	"github.com/hrygo/taleforge/store"
	"github.com/hrygo/taleforge/store/db/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "taleforge",
	Short: "A chat-group interactive narrative engine with Git-like branching of story rounds.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			Data:        viper.GetString("data"),
			Driver:      viper.GetString("driver"),
			DSN:         viper.GetString("dsn"),
			InstanceURL: viper.GetString("instance-url"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := sqlite.NewDB(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		exporter := metrics.NewExporter(metrics.DefaultConfig())

		volatileCache := cache.New(cachePath(instanceProfile), exporter)
		if err := volatileCache.Load(); err != nil {
			slog.Warn("starting with an empty volatile cache", "error", err)
		}

		broker, err := preset.NewBroker(instanceProfile.Data)
		if err != nil {
			slog.Error("failed to open preset store", "error", err)
			return
		}
		_ = broker

		llmClient := llm.NewClient(llm.Options{}, exporter)

		scheduler := jobs.NewScheduler(storeInstance, volatileCache, nil, exporter)
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("failed to start background jobs", "error", err)
			return
		}

		s := server.NewServer(instanceProfile, storeInstance, exporter)

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			// Shutdown order: jobs, ops server, cache drain, store.
			scheduler.Stop()
			s.Shutdown(ctx)
			llmClient.Close()
			volatileCache.Close()
			if err := storeInstance.Close(); err != nil {
				slog.Error("failed to close store", "error", err)
			}
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start ops server", "error", err)
			cancel()
		}
		<-ctx.Done()
	},
}

func cachePath(p *profile.Profile) string {
	return p.Data + string(os.PathSeparator) + "cache.json"
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of ops server")
	rootCmd.PersistentFlags().Int("port", 28091, "port of ops server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the advertised public url of this instance")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn", "instance-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("taleforge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("TaleForge %s started successfully!\n", profile.Version)
	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database: %s\n", profile.DSN)
	fmt.Printf("Mode: %s\n", profile.Mode)
	if len(profile.Addr) == 0 {
		fmt.Printf("Ops server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Ops server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
