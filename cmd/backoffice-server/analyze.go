package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/internal/config"
	"github.com/carepoint/backoffice/internal/domain/labreport"
	"github.com/carepoint/backoffice/internal/platform/textgen"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

// runAnalyze reads an analysis request from r and writes the indented
// assessment JSON to w. Explanations use the built-in templates.
func runAnalyze(ctx context.Context, r io.Reader, w io.Writer, tablesPath string) error {
	var req labreport.AnalysisRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	if req.Results == nil {
		return fmt.Errorf("results is required")
	}

	opts := []labinterp.Option{}
	if tablesPath != "" {
		tables, err := labinterp.LoadTables(tablesPath)
		if err != nil {
			return err
		}
		opts = append(opts, labinterp.WithTables(tables))
	}

	assessment, err := labinterp.New(opts...).Interpret(ctx, req.Results, req.Patient)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(assessment)
}

// interpreterOptions builds the engine configuration for the server.
func interpreterOptions(cfg *config.Config, logger zerolog.Logger, observer labinterp.Observer) ([]labinterp.Option, error) {
	opts := []labinterp.Option{
		labinterp.WithLogger(logger),
		labinterp.WithConcurrency(cfg.ExplainConcurrency),
	}
	if observer != nil {
		opts = append(opts, labinterp.WithObserver(observer))
	}
	if cfg.LabTablesFile != "" {
		tables, err := labinterp.LoadTables(cfg.LabTablesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, labinterp.WithTables(tables))
	}
	if cfg.TextgenEnabled() {
		client := textgen.New(cfg.TextgenURL, cfg.TextgenAPIKey, cfg.TextgenModel, cfg.TextgenTimeout)
		opts = append(opts,
			labinterp.WithExplainer(client),
			labinterp.WithExplainTimeout(cfg.TextgenTimeout),
		)
	}
	return opts, nil
}
