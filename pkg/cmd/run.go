package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run starts modules and waits for all of them to stop. SIGINT and SIGTERM
// cancel the context shared by every module.
func Run(logger *zap.Logger, modules []Module) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	logger.Info("starting...", zap.Int("modules", len(modules)))
	for _, m := range modules {
		if err := m.Start(ctx, g); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("error while starting: %w", err)
		}
	}

	go func() {
		select {
		case s := <-sig:
			logger.Info("exiting...", zap.String("signal", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	err := g.Wait()
	logger.Info("stopped")
	return err
}
