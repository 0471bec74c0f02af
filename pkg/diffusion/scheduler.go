// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DDIMScheduler is a deterministic (eta = 0) DDIM scheduler over a scaled-linear beta schedule.
type DDIMScheduler struct {
	// NumTrainTimesteps of the schedule the denoiser was trained with.
	NumTrainTimesteps int

	// SetAlphaToOne makes the last step use alpha_prod = 1 (a clean sample). Otherwise, the first train
	// step's alpha_prod is used.
	SetAlphaToOne bool

	alphasCumprod []float64
	timesteps     []int
	stepRatio     int
	stepExec      *Exec
}

var _ Scheduler = (*DDIMScheduler)(nil)

// NewDDIMScheduler creates a scheduler with betas = linspace(sqrt(betaStart), sqrt(betaEnd), numTrain)^2.
func NewDDIMScheduler(backend backends.Backend, numTrain int, betaStart, betaEnd float64) *DDIMScheduler {
	s := &DDIMScheduler{
		NumTrainTimesteps: numTrain,
		alphasCumprod:     make([]float64, numTrain),
	}
	sqrtStart, sqrtEnd := math.Sqrt(betaStart), math.Sqrt(betaEnd)
	prod := 1.0
	for ii := range numTrain {
		beta := sqrtStart
		if numTrain > 1 {
			beta += float64(ii) / float64(numTrain-1) * (sqrtEnd - sqrtStart)
		}
		prod *= 1.0 - beta*beta
		s.alphasCumprod[ii] = prod
	}
	s.stepExec = MustNewExec(backend, ddimStepGraph)
	return s
}

// NewDefaultDDIMScheduler returns the scheduler configuration used by Stable Diffusion:
// 1000 train steps, betas from 0.00085 to 0.012.
func NewDefaultDDIMScheduler(backend backends.Backend) *DDIMScheduler {
	return NewDDIMScheduler(backend, 1000, 0.00085, 0.012)
}

// ddimStepGraph computes the previous sample from the predicted noise:
//
//	predX0 = (sample - sqrt(1-alphaT) * noise) / sqrt(alphaT)
//	prev = sqrt(alphaPrev) * predX0 + sqrt(1-alphaPrev) * noise
func ddimStepGraph(noise, sample, alphaT, alphaPrev *Node) *Node {
	dtype := sample.DType()
	alphaT = ConvertDType(alphaT, dtype)
	alphaPrev = ConvertDType(alphaPrev, dtype)
	predX0 := Div(Sub(sample, Mul(Sqrt(OneMinus(alphaT)), noise)), Sqrt(alphaT))
	return Add(Mul(Sqrt(alphaPrev), predX0), Mul(Sqrt(OneMinus(alphaPrev)), noise))
}

// SetTimesteps implements Scheduler.
// The timesteps are (numSteps-1-i)*(NumTrainTimesteps/numSteps) + offset, for i in [0, numSteps).
func (s *DDIMScheduler) SetTimesteps(numSteps, offset int) error {
	if numSteps <= 0 || numSteps > s.NumTrainTimesteps {
		return errors.Errorf("DDIMScheduler: numSteps=%d must be in [1, %d]", numSteps, s.NumTrainTimesteps)
	}
	s.stepRatio = s.NumTrainTimesteps / numSteps
	if last := (numSteps-1)*s.stepRatio + offset; offset < 0 || last >= s.NumTrainTimesteps {
		return errors.Errorf("DDIMScheduler: offset=%d takes timesteps out of the [0, %d) train range",
			offset, s.NumTrainTimesteps)
	}
	s.timesteps = make([]int, numSteps)
	for ii := range numSteps {
		s.timesteps[ii] = (numSteps-1-ii)*s.stepRatio + offset
	}
	return nil
}

// Timesteps implements Scheduler.
func (s *DDIMScheduler) Timesteps() []int { return s.timesteps }

// AlphaProd returns the cumulative product of alphas at timestep t.
func (s *DDIMScheduler) AlphaProd(t int) float64 { return s.alphasCumprod[t] }

// Step implements Scheduler.
func (s *DDIMScheduler) Step(noise *tensors.Tensor, timestep int, latent *tensors.Tensor) (*tensors.Tensor, error) {
	if s.timesteps == nil {
		return nil, errors.New("DDIMScheduler.Step called before SetTimesteps")
	}
	if timestep < 0 || timestep >= s.NumTrainTimesteps {
		return nil, errors.Errorf("DDIMScheduler.Step: timestep %d out of range [0, %d)", timestep, s.NumTrainTimesteps)
	}
	alphaT := s.alphasCumprod[timestep]
	prevTimestep := timestep - s.stepRatio
	var alphaPrev float64
	switch {
	case prevTimestep >= 0:
		alphaPrev = s.alphasCumprod[prevTimestep]
	case s.SetAlphaToOne:
		alphaPrev = 1
	default:
		alphaPrev = s.alphasCumprod[0]
	}
	prev, err := s.stepExec.Exec1(noise, latent, float32(alphaT), float32(alphaPrev))
	if err != nil {
		return nil, errors.WithMessagef(err, "DDIMScheduler.Step(timestep=%d)", timestep)
	}
	return prev, nil
}
