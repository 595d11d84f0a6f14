package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/imageintake/common/bootstrap"
	"github.com/lyzr/imageintake/common/container"
)

const serviceName = "intake-worker"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	if components.Config.Queue.Type == "memory" {
		components.Logger.Warn("memory queue is process local; this worker only sweeps. Use QUEUE_TYPE=redis to share jobs with the api")
	}

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	errChan := startComponents(ctx, serviceContainer, components)

	components.Logger.Info("intake-worker started",
		"workers", components.Config.Queue.Workers,
		"sweep_interval", components.Config.Cleanup.SweepInterval)

	waitForShutdown(cancel, errChan, components)

	components.Logger.Info("intake-worker shutting down gracefully")
}

// startComponents starts the conversion workers and the cleanup sweeper
func startComponents(ctx context.Context, c *container.Container, components *bootstrap.Components) chan error {
	errChan := make(chan error, 2)

	if components.Config.Queue.Type != "memory" {
		if err := c.StartWorkers(ctx); err != nil {
			errChan <- fmt.Errorf("workers: %w", err)
			return errChan
		}
	}

	go func() {
		components.Logger.Info("starting cleanup sweeper")
		if err := c.NewSweeper().Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("sweeper error: %w", err)
		}
	}()

	return errChan
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		cancel()
		components.Shutdown(context.Background())
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}
