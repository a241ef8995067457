package main

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/convfold/internal/caffe"
	"github.com/samcharles93/convfold/internal/fold"
)

type inspectBlob struct {
	Shape    []int  `json:"shape"`
	Elements int    `json:"elements"`
	Role     string `json:"role,omitempty"`
}

type inspectLayer struct {
	Name  string        `json:"name"`
	Blobs []inspectBlob `json:"blobs,omitempty"`
}

type inspectModel struct {
	Name   string         `json:"name"`
	Layers []inspectLayer `json:"layers"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath string
		asJSON    bool
		paramOnly bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the layers and parameter blobs of a .caffemodel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .caffemodel file",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "machine-readable output",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "params-only",
				Usage:       "skip layers without parameters",
				Destination: &paramOnly,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			m, err := caffe.Open(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read model: %v", err), 1)
			}

			summary := summarize(m, paramOnly)
			if asJSON {
				out, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				fmt.Println(string(out))
				return nil
			}

			printSummary(summary)
			return nil
		},
	}
}

func summarize(m *caffe.Model, paramOnly bool) inspectModel {
	out := inspectModel{Name: m.Name}
	for _, l := range m.Layers {
		if paramOnly && len(l.Blobs) == 0 {
			continue
		}
		il := inspectLayer{Name: l.Name}
		for i, b := range l.Blobs {
			ib := inspectBlob{Shape: b.Shape, Elements: b.NumElements()}
			if role, err := fold.Classify(l.Name, i, b.Rank()); err == nil {
				ib.Role = role.String()
			}
			il.Blobs = append(il.Blobs, ib)
		}
		out.Layers = append(out.Layers, il)
	}
	return out
}

func printSummary(m inspectModel) {
	fmt.Printf("Net: %s\n", m.Name)
	fmt.Printf("Layers: %d\n\n", len(m.Layers))
	for _, l := range m.Layers {
		fmt.Println(l.Name)
		for i, b := range l.Blobs {
			fmt.Printf("  %d: %-18s %-14s %d elements\n", i, formatShape(b.Shape), b.Role, b.Elements)
		}
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "(" + strings.Join(parts, " x ") + ")"
}
