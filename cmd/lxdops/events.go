package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/lxdops/pkg/lxdops"
	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/events"
)

const shutdownTimeout = 5 * time.Second

func newEventsCommand() *cobra.Command {
	var metricsAddress string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow operation events",
		Long: `Stay connected to the server's event stream and print every operation
update it pushes. When metrics are enabled, or --metrics-address is given,
a Prometheus endpoint and /healthz are served next to it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if metricsAddress != "" {
				client.Config.Metrics.Enabled = true
				client.Config.Metrics.Address = metricsAddress
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return followEvents(ctx, client, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve metrics on this address, overrides the config file")

	return cmd
}

// followEvents prints pushed operation updates until ctx is done
func followEvents(ctx context.Context, client *lxdops.Client, w io.Writer) error {
	var mu sync.Mutex
	printer := events.DispatcherFunc(func(event core.Event) {
		op, err := event.Operation()
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := printOperation(w, globals.output, op); err != nil {
			client.Logger().Warn().Err(err).Msg("failed to print event")
		}
	})

	listener := client.Listener(printer)
	if listener == nil {
		return fmt.Errorf("events are disabled in the configuration")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})

	if client.Config.Metrics.Enabled {
		srv := &http.Server{
			Addr:              client.Config.Metrics.Address,
			Handler:           newMetricsRouter(client),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			client.Logger().Info().
				Str("address", srv.Addr).
				Str("path", client.Config.Metrics.Path).
				Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newMetricsRouter(client *lxdops.Client) *mux.Router {
	router := mux.NewRouter()
	router.Handle(client.Config.Metrics.Path, client.Metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	}).Methods(http.MethodGet)
	return router
}
