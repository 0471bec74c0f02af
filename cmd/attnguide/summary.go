// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/attnguide/ui/viewimages"
	"github.com/gomlx/gomlx/ui/commandline"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle.Align(lipgloss.Left)
			default:
				return evenRowStyle.Align(lipgloss.Left)
			}
		})
}

// summaryTable of the generation: configuration, guided token, final centroid and the files written.
func summaryTable(prompts []string, tok tokenizer.Tokenizer, cfg diffusion.Config, result *diffusion.Result,
	outputs []outputFile, elapsed time.Duration) string {
	g := cfg.Guidance
	labels := viewimages.TokenLabels(tok, prompts[g.Select])
	token := fmt.Sprintf("#%d", g.TokenIndex)
	if g.TokenIndex < len(labels) {
		token = fmt.Sprintf("%q (#%d)", labels[g.TokenIndex], g.TokenIndex)
	}

	table := newPlainTable("Generation", "")
	table.Row("prompts", strings.Join(prompts, "\n"))
	table.Row("variant", fmt.Sprintf("%s, %dx%d, %d steps, guidance scale %g", cfg.Variant, cfg.Width, cfg.Height,
		cfg.NumSteps, cfg.GuidanceScale))
	table.Row("seed", fmt.Sprintf("%d", cfg.Seed))
	table.Row("guided token", token)
	table.Row("target", fmt.Sprintf("(%g, %g) on %dx%d maps, axes %s, strength %s", g.TargetX, g.TargetY,
		g.Resolution, g.Resolution, g.Axes, humanize.Commaf(g.Strength)))
	if n := len(result.Trace); n > 0 {
		first, last := result.Trace[0], result.Trace[n-1]
		table.Row("centroid", fmt.Sprintf("(%.2f, %.2f) -> (%.2f, %.2f)", first.X, first.Y, last.X, last.Y))
		table.Row("loss", fmt.Sprintf("%.3f -> %.3f", first.Loss, last.Loss))
	}
	table.Row("elapsed", commandline.FormatDuration(elapsed))

	files := newPlainTable("Output", "File", "Size")
	for _, f := range outputs {
		files.Row(f.Description, f.Path, humanize.Bytes(uint64(f.Size)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, table.Render(), files.Render())
}
