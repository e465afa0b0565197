package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/scanjobs/internal/broadcast"
	"github.com/CZERTAINLY/scanjobs/internal/export"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <scan.yaml>",
	Short: "run a single scan and print the result to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scan, err := loadScanFile(args[0])
	if err != nil {
		return err
	}

	d, err := buildEngine(ctx, config, export.NewWriter(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	status, err := runScan(ctx, d, scan, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if status.Status == model.StatusError {
		return fmt.Errorf("scan %s failed: %s", status.ID, status.Error)
	}
	return nil
}

// runScan submits a single scan, reports its progress to w and waits for
// the engine to finish it.
func runScan(ctx context.Context, d deps, scan model.ScanConfig, w io.Writer) (model.StatusView, error) {
	id, err := d.engine.Submit(ctx, scan)
	if err != nil {
		return model.StatusView{}, errors.Join(err, d.engine.Close(ctx))
	}
	err = d.engine.Subscribe(id, broadcast.FuncObserver(func(_ context.Context, e model.Event) error {
		_, err := fmt.Fprintf(w, "%s %3d%% %s\n", e.Status, e.Progress, e.Message)
		return err
	}))
	if err != nil {
		return model.StatusView{}, errors.Join(err, d.engine.Close(ctx))
	}

	waitErr := d.engine.Wait(ctx)
	status, err := d.engine.GetStatus(id)
	return status, errors.Join(waitErr, err, d.engine.Close(context.WithoutCancel(ctx)))
}

// loadScanFile reads a scan config in YAML or JSON.
func loadScanFile(path string) (model.ScanConfig, error) {
	var scan model.ScanConfig
	f, err := os.Open(path)
	if err != nil {
		return scan, fmt.Errorf("opening scan file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewDecoder(f).Decode(&scan); err != nil {
		return scan, fmt.Errorf("parsing scan file %s: %w", path, err)
	}
	if err := scan.Validate(); err != nil {
		return scan, err
	}
	return scan, nil
}
