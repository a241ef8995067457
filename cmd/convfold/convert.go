package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/convfold/internal/binfile"
	"github.com/samcharles93/convfold/internal/caffe"
	"github.com/samcharles93/convfold/internal/fold"
	"github.com/samcharles93/convfold/internal/logger"
)

func convertCmd() *cli.Command {
	var (
		modelPath string
		outDir    string
		epsilon   float64
		logLevel  string
		logFormat string
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Fold batch norm + scale layers into convolutions and write .bin parameter files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .caffemodel file",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory for .bin files",
				Value:       "Parameters",
				Destination: &outDir,
			},
			&cli.FloatFlag{
				Name:        "epsilon",
				Usage:       "batch norm stability constant",
				Value:       fold.DefaultEpsilon,
				Destination: &epsilon,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (text, json)",
				Value:       "text",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			cfg := LoadConfig()
			applyConvertConfig(c, cfg, &outDir, &epsilon, &logLevel, &logFormat)

			log := logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(logLevel)).
				With("run_id", uuid.NewString())

			model, err := caffe.Open(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read model: %v", err), 1)
			}
			log.Info("model loaded", "name", model.Name, "layers", len(model.Layers))

			sink, err := binfile.NewWriter(outDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			conv := fold.New(sink, float32(epsilon), log)
			if err := conv.Run(newModelSource(model)); err != nil {
				return cli.Exit(fmt.Sprintf("error: convert: %v", err), 1)
			}

			layers, files := conv.Stats()
			log.Info("conversion complete", "layers", layers, "files", files, "dir", sink.Dir())
			return nil
		},
	}
}

// modelSource adapts a decoded caffemodel to the pipeline's layer stream.
type modelSource struct {
	layers []caffe.Layer
}

func newModelSource(m *caffe.Model) *modelSource {
	return &modelSource{layers: m.Layers}
}

func (s *modelSource) Next() (fold.LayerRecord, error) {
	if len(s.layers) == 0 {
		return fold.LayerRecord{}, io.EOF
	}
	l := s.layers[0]
	s.layers = s.layers[1:]

	rec := fold.LayerRecord{Name: l.Name}
	for _, b := range l.Blobs {
		rec.Blobs = append(rec.Blobs, fold.BlobRecord{Shape: b.Shape, Data: b.Data})
	}
	return rec, nil
}
