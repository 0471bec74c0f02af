// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/guidance"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepConfig configures the diffusion step.
type StepConfig struct {
	// GuidanceScale of classifier-free guidance.
	GuidanceScale float64

	// LowResource evaluates the denoiser twice per step (unconditional then conditional) at the prompts
	// batch size, instead of once on the doubled batch.
	LowResource bool

	// Guidance configures the location guidance.
	Guidance guidance.Config

	// KeepAttention returns the recorded attention maps of each step in StepResult.
	KeepAttention bool
}

// StepResult holds the outputs of one diffusion step.
type StepResult struct {
	// Latent after the scheduler update and the controller step callback.
	Latent *tensors.Tensor

	Timestep int

	// X, Y is the centroid of the guided token, Loss the guidance loss and Sigma the standard deviation of the
	// unconditional noise prediction.
	X, Y, Loss, Sigma float64

	// AttentionKeys, AttentionMaps are the recorded maps, if StepConfig.KeepAttention is set.
	AttentionKeys []crossattn.Key
	AttentionMaps []*tensors.Tensor
}

// Stepper executes guided diffusion steps.
//
// The step graph is compiled once and reused for all steps with the same shapes; only the timestep changes.
type Stepper struct {
	backend  backends.Backend
	pipeline *Pipeline
	config   StepConfig

	store      *crossattn.Store
	controller crossattn.Controller

	stepExec      *context.Exec
	attentionKeys []crossattn.Key
	numMaps       int
	numLayers     int
}

// NewStepper creates a Stepper for the pipeline, registering the attention store, followed by controller (if
// not nil), into every attention unit of the denoiser.
//
// The variables of the pipeline networks are taken from (or lazily created in) ctx.
func NewStepper(backend backends.Backend, ctx *context.Context, pipeline *Pipeline, controller crossattn.Controller,
	config StepConfig) (*Stepper, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := config.Guidance.Validate(); err != nil {
		return nil, err
	}
	s := &Stepper{
		backend:  backend,
		pipeline: pipeline,
		config:   config,
		store:    crossattn.NewStore(),
	}
	s.controller = crossattn.Chain(s.store, controller)
	s.numLayers = crossattn.Register(pipeline.Denoiser, s.controller)
	if s.numLayers == 0 {
		return nil, errors.New("the denoiser has no attention units below down/mid/up blocks")
	}
	var err error
	s.stepExec, err = context.NewExec(backend, ctx.Checked(false), s.stepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create diffusion step executor")
	}
	return s, nil
}

// Store returns the attention store registered in the denoiser.
func (s *Stepper) Store() *crossattn.Store { return s.store }

// NumLayers returns the number of attention units registered.
func (s *Stepper) NumLayers() int { return s.numLayers }

// Finalize frees the compiled step graphs.
func (s *Stepper) Finalize() {
	s.stepExec.Finalize()
}

// Number of fixed outputs of stepGraph, before the optional attention maps.
const numStepOutputs = 6

// stepGraph builds one guided step. Inputs: latent [B, C, H, W], timestep (scalar), unconditional and
// conditional embeddings [B, L, D].
// Outputs: guided noise, centroid x and y, loss, sigma, degenerate flag and, optionally, attention maps.
func (s *Stepper) stepGraph(ctx *context.Context, inputs []*Node) []*Node {
	latent, timestep, uncondEmbed, condEmbed := inputs[0], inputs[1], inputs[2], inputs[3]
	batchSize := latent.Shape().Dim(0)
	if uncondEmbed.Shape().Dim(0) != batchSize || condEmbed.Shape().Dim(0) != batchSize {
		exceptions.Panicf("diffusion step: latent %s, unconditional %s and conditional %s embeddings batch sizes differ",
			latent.Shape(), uncondEmbed.Shape(), condEmbed.Shape())
	}
	denoiser := s.pipeline.Denoiser

	var noiseUncond, noiseCond *Node
	if s.config.LowResource {
		s.store.BeginStep(false)
		s.store.BeginPass(false)
		noiseUncond = denoiser.PredictNoise(ctx, latent, timestep, uncondEmbed)
		s.store.BeginPass(true)
		noiseCond = denoiser.PredictNoise(ctx, latent, timestep, condEmbed)
	} else {
		s.store.BeginStep(true)
		doubledLatent := Concatenate([]*Node{latent, latent}, 0)
		doubledEmbed := Concatenate([]*Node{uncondEmbed, condEmbed}, 0)
		noise := denoiser.PredictNoise(ctx, doubledLatent, timestep, doubledEmbed)
		noiseUncond = Slice(noise, AxisRange(0, batchSize))
		noiseCond = Slice(noise, AxisRange(batchSize))
	}
	klog.V(2).Infof("diffusion step graph: %d attention maps recorded from %d calls", s.store.NumRecorded(), s.store.NumCalls())

	signal := guidance.Compute(s.store, batchSize, latent, noiseUncond, s.config.Guidance)
	noise := Add(noiseUncond, MulScalar(Sub(noiseCond, noiseUncond), s.config.GuidanceScale))
	noise = Add(noise, signal.Correction)

	// Scalars are returned as float64 and maps as float32, whatever the latent dtype.
	outputs := []*Node{noise}
	for _, scalar := range []*Node{signal.X, signal.Y, signal.Loss, signal.Sigma} {
		outputs = append(outputs, ConvertDType(scalar, dtypes.Float64))
	}
	outputs = append(outputs, signal.Degenerate)
	if s.config.KeepAttention {
		var maps []*Node
		s.attentionKeys, maps = s.store.Outputs()
		s.numMaps = len(maps)
		for _, m := range maps {
			outputs = append(outputs, ConvertDType(StopGradient(m), dtypes.Float32))
		}
	}
	return outputs
}

// Step executes one guided diffusion step at timestep: the denoiser, the guidance, the scheduler update and
// the controller step callback.
//
// It returns a wrapped guidance.ErrDegenerateCentroid if the centroid of the guided token is undefined, in
// which case the scheduler is not called.
func (s *Stepper) Step(latent *tensors.Tensor, timestep int, uncondEmbed, condEmbed *tensors.Tensor) (result StepResult, err error) {
	result.Timestep = timestep
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = s.stepExec.MustExec(latent, float32(timestep), uncondEmbed, condEmbed)
	})
	if err != nil {
		return result, errors.WithMessagef(err, "diffusion step at timestep %d", timestep)
	}
	noise := outputs[0]
	result.X = tensors.ToScalar[float64](outputs[1])
	result.Y = tensors.ToScalar[float64](outputs[2])
	result.Loss = tensors.ToScalar[float64](outputs[3])
	result.Sigma = tensors.ToScalar[float64](outputs[4])
	if tensors.ToScalar[bool](outputs[5]) {
		return result, errors.Wrapf(guidance.ErrDegenerateCentroid, "timestep %d, token %d",
			timestep, s.config.Guidance.TokenIndex)
	}
	if s.config.KeepAttention {
		result.AttentionKeys = s.attentionKeys
		result.AttentionMaps = outputs[numStepOutputs : numStepOutputs+s.numMaps]
	}
	klog.V(1).Infof("step t=%d: centroid=(%.3f, %.3f), loss=%.4f, sigma=%.4f",
		timestep, result.X, result.Y, result.Loss, result.Sigma)

	next, err := s.pipeline.Scheduler.Step(noise, timestep, latent)
	if err != nil {
		return result, errors.WithMessagef(err, "scheduler step at timestep %d", timestep)
	}
	next, err = s.controller.Step(next)
	if err != nil {
		return result, errors.WithMessagef(err, "controller step at timestep %d", timestep)
	}
	result.Latent = next
	return result, nil
}
