// Command branchd runs a branch and logs what happens on its network.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-branch/branch"
	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/result"
	"github.com/Meander-Cloud/go-branch/status"
)

const (
	shutdownTimeout time.Duration = time.Second * 5
	rxBufferSize    int           = config.MaxMessagePayloadSize * 2
)

var (
	configPath string

	broadcastJSON    string
	broadcastTimeout time.Duration

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "branchd",
	Short:         "Run a branch on the local network",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a branch until interrupted, logging events and received broadcasts",
	Long: `Run a branch until SIGINT or SIGTERM.

Configuration is read from the YAML file given by --config and can be
overridden with BRANCH_* environment variables, e.g.

  BRANCH_NETWORK_NAME=lab BRANCH_LOG_LEVEL=debug branchd run --config branch.yaml`,
	Args: cobra.NoArgs,
	RunE: runBranch,
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send one broadcast once the first connection is up, then exit",
	Args:  cobra.NoArgs,
	RunE:  runBroadcast,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")

	broadcastCmd.Flags().StringVar(&broadcastJSON, "json", "", "JSON payload to broadcast")
	broadcastCmd.Flags().DurationVar(&broadcastTimeout, "timeout", time.Second*30, "time to wait for a connection")
	_ = broadcastCmd.MarkFlagRequired("json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(versionCmd)
}

func newBranch() (*branch.Branch, *config.BranchConfig, *zap.SugaredLogger, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := logging.New(&c.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	b, err := branch.New(c, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return b, c, logger.Named("branchd"), nil
}

// watchEvents logs every branch event until the wait is canceled.
func watchEvents(b *branch.Branch, log *zap.SugaredLogger) {
	b.AwaitEventAsync(branch.EventAll, func(err error, event branch.Event, evErr error, _ uuid.UUID, json string) {
		if err != nil {
			return
		}

		if evErr != nil {
			log.Infof("%s: %s failed: %s; %s", b.Info().LogPrefix(), event.String(), evErr.Error(), json)
		} else {
			log.Infof("%s: %s; %s", b.Info().LogPrefix(), event.String(), json)
		}

		watchEvents(b, log)
	})
}

// receiveBroadcasts re-registers from within the handler so that no
// broadcast is dropped between two receives.
func receiveBroadcasts(b *branch.Branch, buf []byte, log *zap.SugaredLogger) {
	err := b.ReceiveBroadcast(message.EncodingJSON, buf, func(err error, source uuid.UUID, size int) {
		switch {
		case errors.Is(err, result.ErrCanceled):
			return
		case err != nil:
			log.Warnf("%s: broadcast from [%s]: %s", b.Info().LogPrefix(), source, err.Error())
		default:
			log.Infof("%s: broadcast from [%s]: %s", b.Info().LogPrefix(), source, string(buf[:size]))
		}

		receiveBroadcasts(b, buf, log)
	})
	if err != nil {
		log.Errorf("%s: %s", b.Info().LogPrefix(), err.Error())
	}
}

func runBranch(cmd *cobra.Command, _ []string) error {
	b, c, log, err := newBranch()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if c.Status.Enabled {
		srv, err := status.NewServer(b, b.Metrics().Registry(), &c.Status, log)
		if err != nil {
			return multierr.Combine(err, b.Close())
		}

		g.Go(func() error {
			err := srv.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	watchEvents(b, log)
	receiveBroadcasts(b, make([]byte, rxBufferSize), log)
	b.Start()
	log.Infof("%s: running branch %s", b.Info().LogPrefix(), b.InfoJSON())

	g.Go(func() error {
		<-gctx.Done()
		log.Infof("%s: stopping", b.Info().LogPrefix())
		return nil
	})

	err = g.Wait()
	return multierr.Combine(err, b.Close())
}

func runBroadcast(cmd *cobra.Command, _ []string) error {
	b, _, log, err := newBranch()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	connected := make(chan uuid.UUID, 1)
	var awaitConnection func()
	awaitConnection = func() {
		b.AwaitEventAsync(branch.EventConnectFinished, func(err error, _ branch.Event, evErr error, id uuid.UUID, _ string) {
			if err != nil {
				return
			}
			if evErr != nil {
				awaitConnection()
				return
			}
			connected <- id
		})
	}
	awaitConnection()
	b.Start()

	select {
	case id := <-connected:
		log.Infof("%s: connected to [%s]", b.Info().LogPrefix(), id)
	case <-ctx.Done():
		return multierr.Combine(result.Newf(result.CodeTimeout, "no connection established"), b.Close())
	}

	payload := &message.Payload{
		Data:     []byte(broadcastJSON),
		Encoding: message.EncodingJSON,
	}
	err = b.SendBroadcast(ctx, payload, true)
	if err == nil {
		log.Infof("%s: broadcast sent", b.Info().LogPrefix())
	}

	return multierr.Combine(err, b.Close())
}
