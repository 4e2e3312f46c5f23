package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kswings/hostagent/common/version"
	"github.com/kswings/hostagent/internal/hostagent/api"
	"github.com/kswings/hostagent/internal/hostagent/config"
	"github.com/kswings/hostagent/internal/hostagent/deploy"
	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/session"
	"github.com/kswings/hostagent/internal/hostagent/state"
)

func main() {
	fmt.Println("Host Agent")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	doc, err := config.Load(os.Getenv("HOSTAGENT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: doc.LogLevel, JSONOutput: doc.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(doc.StorageRoot, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create storage root")
		os.Exit(1)
	}

	runtimeClient := hostruntime.New(doc.DockerHost)
	stateStore := state.New(filepath.Join(doc.StorageRoot, "storage", "states.json"))
	pipeline := deploy.New(runtimeClient, stateStore, doc.StorageRoot)

	sessionServer := session.New(session.Config{
		Secret:    doc.Key,
		Runtime:   runtimeClient,
		State:     stateStore,
		VolumeDir: doc.StorageRoot,
	})

	apiServer := api.New(api.Config{
		Addr:      fmt.Sprintf(":%d", doc.Port),
		Secret:    doc.Key,
		Runtime:   runtimeClient,
		State:     stateStore,
		Deploy:    pipeline,
		VolumeDir: doc.StorageRoot,
		Sessions:  sessionServer,
	})
	sessionServer.Register(apiServer.Mux())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := apiServer.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start control api")
		os.Exit(1)
	}

	logger.Info().Int("port", doc.Port).Msg("host agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	apiServer.Stop()
}
