// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/attnguide/ui/trace"
	"github.com/gomlx/attnguide/ui/viewimages"
	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// heatmapSize in pixels of each per-token attention heatmap.
const heatmapSize = 256

type outputFile struct {
	Description, Path string
	Size              int64
}

// writeOutputs saves the generated images (one per prompt, plus a captioned grid with the final centroid),
// and optionally the attention heatmaps and the trace. All file names share a random run id.
func writeOutputs(backend backends.Backend, dir string, tok tokenizer.Tokenizer, prompts []string,
	cfg diffusion.Config, result *diffusion.Result) ([]outputFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %q", dir)
	}
	runID := uuid.NewString()[:8]
	var outputs []outputFile
	save := func(description, name string, img image.Image) error {
		path := filepath.Join(dir, fmt.Sprintf("attnguide_%s_%s", runID, name))
		if err := viewimages.SavePNG(img, path); err != nil {
			return err
		}
		outputs = append(outputs, newOutputFile(description, path))
		return nil
	}

	images, err := viewimages.FromTensor(result.Images)
	if err != nil {
		return nil, err
	}
	captioned := make([]image.Image, len(images))
	for ii, img := range images {
		if err = save(fmt.Sprintf("image #%d", ii), fmt.Sprintf("%d.png", ii), img); err != nil {
			return nil, err
		}
		if ii == cfg.Guidance.Select && len(result.Trace) > 0 {
			last := result.Trace[len(result.Trace)-1]
			img = viewimages.MarkCentroid(img, last.X, last.Y, cfg.Guidance.Resolution)
		}
		captioned[ii] = viewimages.Caption(img, prompts[ii])
	}
	grid, err := viewimages.Grid(captioned, 1, viewimages.DefaultOffsetRatio)
	if err != nil {
		return nil, err
	}
	if err = save("grid", "grid.png", grid); err != nil {
		return nil, err
	}
	toDisplay := []image.Image{grid}

	if result.Attention != nil {
		labels := viewimages.TokenLabels(tok, prompts[cfg.Guidance.Select])
		heatmaps, err := viewimages.CrossAttention(backend, result.Attention, len(prompts), cfg.Guidance, labels, heatmapSize)
		if err != nil {
			return nil, err
		}
		attentionGrid, err := viewimages.Grid(heatmaps, 1, viewimages.DefaultOffsetRatio)
		if err != nil {
			return nil, err
		}
		if err = save("cross-attention", "attention.png", attentionGrid); err != nil {
			return nil, err
		}
		toDisplay = append(toDisplay, attentionGrid)
	}

	if *flagTrace {
		csvPath := filepath.Join(dir, fmt.Sprintf("attnguide_%s_trace.csv", runID))
		if err = trace.SaveCSV(result.Trace, csvPath); err != nil {
			return nil, err
		}
		outputs = append(outputs, newOutputFile("trace", csvPath))
		plotPath := filepath.Join(dir, fmt.Sprintf("attnguide_%s_trace.png", runID))
		if err = trace.SavePlot(result.Trace, cfg.Guidance.TargetX, plotPath); err != nil {
			return nil, err
		}
		outputs = append(outputs, newOutputFile("trace plot", plotPath))
	}

	displayed, err := viewimages.Display(toDisplay...)
	if err != nil {
		klog.Warningf("failed to display images in notebook: %v", err)
	} else if displayed {
		klog.V(1).Infof("displayed %d images in notebook", len(toDisplay))
	}
	return outputs, nil
}

func newOutputFile(description, path string) outputFile {
	f := outputFile{Description: description, Path: path}
	if info, err := os.Stat(path); err == nil {
		f.Size = info.Size()
	}
	return f
}
