// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Schedule returns the learning rate to use for an optimizer step (0-based).
type Schedule func(step int) float64

// KnownSchedulers lists the learning rate schedules by name.
var KnownSchedulers = map[string]func(lr float64, args *Args, warmup, total int) (Schedule, error){
	"constant_schedule": func(lr float64, _ *Args, _, _ int) (Schedule, error) {
		return func(int) float64 { return lr }, nil
	},
	"constant_schedule_with_warmup": func(lr float64, _ *Args, warmup, _ int) (Schedule, error) {
		return func(step int) float64 {
			if step < warmup {
				return lr * float64(step) / float64(max(1, warmup))
			}
			return lr
		}, nil
	},
	"linear_schedule_with_warmup": func(lr float64, _ *Args, warmup, total int) (Schedule, error) {
		return func(step int) float64 {
			if step < warmup {
				return lr * float64(step) / float64(max(1, warmup))
			}
			return lr * max(0, float64(total-step)/float64(max(1, total-warmup)))
		}, nil
	},
	"cosine_schedule_with_warmup": func(lr float64, args *Args, warmup, total int) (Schedule, error) {
		cycles := args.CosineScheduleNumCycles
		return func(step int) float64 {
			if step < warmup {
				return lr * float64(step) / float64(max(1, warmup))
			}
			progress := float64(step-warmup) / float64(max(1, total-warmup))
			return lr * max(0, 0.5*(1+math.Cos(math.Pi*cycles*2*progress)))
		}, nil
	},
	"cosine_with_hard_restarts_schedule_with_warmup": func(lr float64, args *Args, warmup, total int) (Schedule, error) {
		cycles := args.CosineScheduleNumCycles
		return func(step int) float64 {
			if step < warmup {
				return lr * float64(step) / float64(max(1, warmup))
			}
			progress := float64(step-warmup) / float64(max(1, total-warmup))
			if progress >= 1 {
				return 0
			}
			return lr * max(0, 0.5*(1+math.Cos(math.Pi*math.Mod(cycles*progress, 1))))
		}, nil
	},
	"polynomial_decay_schedule_with_warmup": func(lr float64, args *Args, warmup, total int) (Schedule, error) {
		lrEnd, power := args.PolynomialDecayScheduleLREnd, args.PolynomialDecaySchedulePower
		if lrEnd >= lr {
			return nil, errors.Errorf("polynomial_decay_schedule_lr_end (%g) must be smaller than the learning rate (%g)", lrEnd, lr)
		}
		return func(step int) float64 {
			switch {
			case step < warmup:
				return lr * float64(step) / float64(max(1, warmup))
			case step > total:
				return lrEnd
			}
			remaining := 1 - float64(step-warmup)/float64(max(1, total-warmup))
			return (lr-lrEnd)*math.Pow(remaining, power) + lrEnd
		}, nil
	},
}

// NewSchedule creates the schedule configured in args.Scheduler, for a run of total optimizer
// steps of which the first warmup ones ramp up linearly.
func NewSchedule(args *Args, warmup, total int) (Schedule, error) {
	factory, found := KnownSchedulers[args.Scheduler]
	if !found {
		names := maps.Keys(KnownSchedulers)
		slices.Sort(names)
		return nil, errors.Errorf("unknown scheduler %q, valid values are %q", args.Scheduler, names)
	}
	return factory(args.LearningRate, args, warmup, total)
}

// WarmupSteps returns the number of warmup steps: args.WarmupSteps if set, otherwise
// ceil(total * args.WarmupRatio).
func WarmupSteps(args *Args, total int) int {
	if args.WarmupSteps != 0 {
		return args.WarmupSteps
	}
	return int(math.Ceil(float64(total) * args.WarmupRatio))
}
