// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// attnguide generates images from text prompts while guiding the cross-attention centroid of one word
// (the "moving object") toward a target location of the image.
//
// Usage:
//
//	attnguide -checkpoint=~/work/tinysd -prompt="a photo of a red ball on the grass" -word=ball -target_x=4
//
// Model and generation hyperparameters can be set with -set="param=value;...". Use -init_checkpoint to
// create a randomly initialized model checkpoint.
//
// Unless guidance_resolution is set explicitly, the guided attention maps are the model's full resolution
// ones for the image size (e.g. 8x8 for 256x256 images with the default patch size of 4), and the target
// location, if not given, is scaled accordingly.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/attnguide/pkg/editing"
	"github.com/gomlx/attnguide/pkg/guidance"
	"github.com/gomlx/attnguide/pkg/models/tinysd"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint     = flag.String("checkpoint", "", "Directory with the tinysd model checkpoint.")
	flagInitCheckpoint = flag.Bool("init_checkpoint", false,
		"Create a randomly initialized model checkpoint in -checkpoint (it must not have one yet) and generate with it.")
	flagPrompt = flag.String("prompt", "a photo of a red ball on the grass",
		"Prompt(s) to generate, separated by \"|\". The guided word is looked for in the prompt selected by guidance_select.")
	flagWord = flag.String("word", "ball",
		"Word of the moving object, whose attention centroid is guided. If empty, the guidance_token hyperparameter is used.")
	flagTargetX     = flag.Float64("target_x", -1, "Target x of the centroid, in attention map cells. Negative keeps guidance_target_x.")
	flagTargetY     = flag.Float64("target_y", -1, "Target y of the centroid, in attention map cells. Negative keeps guidance_target_y.")
	flagOutput      = flag.String("output", ".", "Directory where to write the generated files.")
	flagAttention   = flag.Bool("attention", false, "Also write the grid of per-token cross-attention heatmaps.")
	flagTrace       = flag.Bool("trace", true, "Also write the per-step trace as CSV and as a plot.")
	flagHFTokenizer = flag.String("hf_tokenizer", "",
		"HuggingFace repository (e.g. \"openai/clip-vit-large-patch14\") of the tokenizer to use, instead of the built-in one.")
	flagHFToken = flag.String("hf_token", os.Getenv("HF_TOKEN"), "HuggingFace authentication token, if needed.")
)

// createDefaultContext with all hyperparameters set to their defaults.
func createDefaultContext() *context.Context {
	ctx := context.New()
	diffusion.SetDefaultParams(ctx)
	tinysd.SetDefaultParams(ctx)
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	if *flagCheckpoint == "" {
		klog.Fatal("-checkpoint must be set, see attnguide -help")
	}

	// Hyperparameters: checkpoint, then -set, then the explicit flags.
	if !*flagInitCheckpoint {
		must.M(tinysd.Load(ctx, *flagCheckpoint))
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagTargetX >= 0 {
		ctx.SetParam(guidance.ParamTargetX, *flagTargetX)
		paramsSet = append(paramsSet, guidance.ParamTargetX)
	}
	if *flagTargetY >= 0 {
		ctx.SetParam(guidance.ParamTargetY, *flagTargetY)
		paramsSet = append(paramsSet, guidance.ParamTargetY)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	if err := run(ctx, paramsSet); err != nil {
		klog.Fatalf("attnguide failed: %+v", err)
	}
}

func run(ctx *context.Context, paramsSet []string) error {
	start := time.Now()
	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "creating backend")
	}
	klog.V(1).Infof("backend: %s", backend)

	tok, err := loadTokenizer()
	if err != nil {
		return err
	}
	prompts := splitPrompts(*flagPrompt)
	if len(prompts) == 0 {
		return errors.New("no prompts given")
	}

	if *flagWord != "" {
		selected := context.GetParamOr(ctx, guidance.ParamSelect, 0)
		if selected < 0 || selected >= len(prompts) {
			return errors.Errorf("%s=%d out of range for %d prompts", guidance.ParamSelect, selected, len(prompts))
		}
		contextLength := context.GetParamOr(ctx, diffusion.ParamContextLength, diffusion.DefaultContextLength)
		token, err := resolveWord(tok, prompts[selected], *flagWord, contextLength)
		if err != nil {
			return err
		}
		ctx.SetParam(guidance.ParamToken, token)
	}
	if *flagAttention {
		ctx.SetParam(diffusion.ParamKeepAttention, true)
	}
	cfg, err := diffusion.NewConfig(ctx)
	if err != nil {
		return err
	}

	vocabSize := 0
	if wp, ok := tok.(*tokenizer.WordPiece); ok {
		vocabSize = wp.VocabSize()
	}
	model, err := tinysd.FromContext(ctx, vocabSize)
	if err != nil {
		return err
	}
	fitGuidance(&cfg, model, paramsSet)
	if *flagInitCheckpoint {
		ctx.SetParam(tinysd.ParamVocabSize, model.VocabSize)
		if err = model.Initialize(backend, ctx, cfg.Height); err != nil {
			return err
		}
		if err = tinysd.Save(ctx, *flagCheckpoint); err != nil {
			return err
		}
		klog.Infof("initialized model checkpoint in %q", *flagCheckpoint)
	}

	gen, err := diffusion.NewGenerator(backend, ctx, model.Pipeline(backend, tok), cfg)
	if err != nil {
		return err
	}
	progress := newProgress(cfg.NumSteps)
	result, err := gen.Generate(prompts, nil, nil, progress.observe)
	progress.done()
	if err != nil {
		return err
	}

	outputs, err := writeOutputs(backend, *flagOutput, tok, prompts, cfg, result)
	if err != nil {
		return err
	}
	fmt.Println(summaryTable(prompts, tok, cfg, result, outputs, time.Since(start)))
	return nil
}

func loadTokenizer() (tokenizer.Tokenizer, error) {
	if *flagHFTokenizer == "" {
		return tokenizer.NewDefault(), nil
	}
	hf, err := tokenizer.LoadHuggingFace(*flagHFTokenizer, *flagHFToken)
	if err != nil {
		return nil, err
	}
	return hf, nil
}

func splitPrompts(flagValue string) []string {
	var prompts []string
	for _, p := range strings.Split(flagValue, "|") {
		if p = strings.TrimSpace(p); p != "" {
			prompts = append(prompts, p)
		}
	}
	return prompts
}

// resolveWord returns the token index of word in prompt. If the word is split in several tokens, its first
// token is used. Tokens truncated away by contextLength are not found.
func resolveWord(tok tokenizer.Tokenizer, prompt, word string, contextLength int) (int, error) {
	token, err := guidance.ResolveToken(tok, prompt, word, contextLength)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, guidance.ErrTokenNotFound) {
		return 0, err
	}
	indices := editing.WordIndices(prompt, word, tok)
	if len(indices) == 0 {
		return 0, err
	}
	if !guidance.IsEncoded(indices[0], len(tok.Encode(prompt)), contextLength) {
		return 0, errors.Wrapf(guidance.ErrTokenNotFound, "word %q starts at token %d of prompt %q, beyond the context length %d",
			word, indices[0], prompt, contextLength)
	}
	klog.Warningf("word %q is split in %d tokens %v of prompt %q, guiding the first one", word, len(indices), indices, prompt)
	return indices[0], nil
}

// fitGuidance sets the guidance resolution to the full resolution attention grid of model for the image size,
// unless it was explicitly set in paramsSet. Targets not explicitly set are scaled to the new resolution.
func fitGuidance(cfg *diffusion.Config, model *tinysd.Model, paramsSet []string) {
	g := &cfg.Guidance
	if slices.Contains(paramsSet, guidance.ParamResolution) || cfg.Height != cfg.Width {
		return
	}
	grid := model.UNet.GridSize(cfg.Height / tinysd.DownsampleFactor)
	if grid <= 0 || grid == g.Resolution {
		return
	}
	ratio := float64(grid) / float64(g.Resolution)
	if !slices.Contains(paramsSet, guidance.ParamTargetX) {
		g.TargetX *= ratio
	}
	if !slices.Contains(paramsSet, guidance.ParamTargetY) {
		g.TargetY *= ratio
	}
	klog.Infof("guiding %dx%d attention maps (instead of %dx%d) for %dx%d images, target (%g, %g)",
		grid, grid, g.Resolution, g.Resolution, cfg.Width, cfg.Height, g.TargetX, g.TargetY)
	g.Resolution = grid
}
