package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/scanjobs/internal/api"
	"github.com/CZERTAINLY/scanjobs/internal/gc"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine with HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := config.GC.Policy()
	if err != nil {
		return err
	}

	d, err := buildEngine(ctx, config)
	if err != nil {
		return err
	}

	collector := gc.New(d.engine.Registry(), gc.PolicyOf(policy), gc.WithOnEvict(d.engine.Forget))
	if err := collector.Start(ctx, gc.ScheduleOf(policy)); err != nil {
		return errors.Join(err, d.engine.Close(ctx))
	}

	var opts []api.Option
	if d.archive != nil {
		opts = append(opts, api.WithArchive(d.archive))
	}
	listen := config.Service.Listen
	if listen == "" {
		listen = model.DefaultListen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.New(d.engine, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down", "cause", context.Cause(ctx))
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("serving %s: %w", srv.Addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// running jobs end first so event streams are finished
	return errors.Join(
		err,
		collector.Shutdown(),
		d.engine.Close(shutdownCtx),
		srv.Shutdown(shutdownCtx),
	)
}
