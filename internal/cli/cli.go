package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tcfw/dialectic/internal/engine"
)

var (
	rootCmd = &cobra.Command{
		Use:  "dialectic",
		RunE: run,
	}
)

func Execute() error {
	rootCmd.Flags().BoolP("verbose", "v", false, "increase verbosity")
	rootCmd.Flags().StringP("data-dir", "d", "", "audit log directory")
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
	viper.BindPFlag("data_dir", rootCmd.Flags().Lookup("data-dir"))

	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.New(engine.WithDefaultOptions())
	if err != nil {
		return errors.Wrap(err, "initing engine")
	}

	errCh := make(chan error)

	go func() {
		if err := e.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-waitExit(ctx):
		return nil
	}
}

func waitExit(ctx context.Context) <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}
