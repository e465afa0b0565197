package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/CZERTAINLY/scanjobs/internal/archive"
	"github.com/CZERTAINLY/scanjobs/internal/engine"
	"github.com/CZERTAINLY/scanjobs/internal/export"
	"github.com/CZERTAINLY/scanjobs/internal/model"
	"github.com/CZERTAINLY/scanjobs/internal/router"
	"github.com/CZERTAINLY/scanjobs/internal/strategy"
)

// deps are the parts of a running engine the commands tear down.
type deps struct {
	engine  *engine.Engine
	archive *archive.Store // nil if disabled
}

// buildEngine wires the router, the result sinks and the engine from cfg.
// Extra sinks are added after the configured ones.
func buildEngine(ctx context.Context, cfg model.Config, extra ...model.ResultSink) (deps, error) {
	var d deps
	strategies, err := strategy.FromConfig(cfg.Strategies)
	if err != nil {
		return d, err
	}
	r, err := router.New(router.DefaultTable(strategies))
	if err != nil {
		return d, fmt.Errorf("building router: %w", err)
	}

	sinks, err := export.Sinks(cfg.Export)
	if err != nil {
		return d, err
	}
	if cfg.Archive.Enabled {
		path := cfg.Archive.Path
		if path == "" {
			path = filepath.Join(userConfigPath, "archive.db")
		}
		d.archive, err = archive.Open(ctx, path)
		if err != nil {
			_ = export.Close(sinks)
			return d, fmt.Errorf("opening archive: %w", err)
		}
		sinks = append(sinks, d.archive)
	}
	sinks = append(sinks, extra...)

	d.engine = engine.New(r,
		engine.WithCapacity(cfg.Service.CapacityOrDefault()),
		engine.WithSinks(sinks...),
	)
	return d, nil
}
