// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gomlxlm

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// growAxis grows axis of a rank 1 or 2 tensor (given as flat row-major data) to newSize. New
// entries are the mean of the existing ones along the axis, so added token embeddings start at
// the mean embedding.
func growAxis(data []float32, dims []int, axis, newSize int) ([]float32, []int) {
	newDims := slices.Clone(dims)
	newDims[axis] = newSize
	if len(dims) == 1 {
		var mean float64
		for _, v := range data {
			mean += float64(v)
		}
		if len(data) > 0 {
			mean /= float64(len(data))
		}
		grown := slices.Grow(slices.Clone(data), newSize-len(data))
		for len(grown) < newSize {
			grown = append(grown, float32(mean))
		}
		return grown, newDims
	}

	rows, cols := dims[0], dims[1]
	grown := make([]float32, 0, newDims[0]*newDims[1])
	if axis == 0 {
		meanRow := make([]float64, cols)
		for r := range rows {
			for c := range cols {
				meanRow[c] += float64(data[r*cols+c])
			}
		}
		grown = append(grown, data...)
		for range newSize - rows {
			for c := range cols {
				grown = append(grown, float32(meanRow[c]/float64(max(rows, 1))))
			}
		}
		return grown, newDims
	}
	for r := range rows {
		row := data[r*cols : (r+1)*cols]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(max(cols, 1))
		grown = append(grown, row...)
		for range newSize - cols {
			grown = append(grown, float32(mean))
		}
	}
	return grown, newDims
}

// resizeVocab grows every float32 variable of rank 1 or 2 with exactly one axis of dimension
// baseVocab to vocabSize. It returns the number of variables resized.
func resizeVocab(ctx *context.Context, baseVocab, vocabSize int) (int, error) {
	var toResize []*context.Variable
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		if shape.DType != dtypes.Float32 || shape.Rank() < 1 || shape.Rank() > 2 {
			continue
		}
		if vocabAxis(shape.Dimensions, baseVocab) >= 0 {
			toResize = append(toResize, v)
		}
	}
	for _, v := range toResize {
		dims := v.Shape().Dimensions
		axis := vocabAxis(dims, baseVocab)
		value, err := v.Value()
		if err != nil {
			return 0, errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		data, newDims := growAxis(tensors.MustCopyFlatData[float32](value), dims, axis, vocabSize)
		scope, name := v.Scope(), v.Name()
		if err := ctx.DeleteVariable(scope, name); err != nil {
			return 0, errors.WithMessagef(err, "resizing variable %q", v.ScopeAndName())
		}
		ctx.InAbsPath(scope).Checked(false).VariableWithValue(name, tensors.FromFlatDataAndDimensions(data, newDims...))
		klog.V(1).Infof("Resized %s/%s from %v to %v", scope, name, dims, newDims)
	}
	return len(toResize), nil
}

// vocabAxis returns the only axis with dimension baseVocab, or -1.
func vocabAxis(dims []int, baseVocab int) int {
	axis := -1
	for ii, dim := range dims {
		if dim == baseVocab {
			if axis >= 0 {
				return -1
			}
			axis = ii
		}
	}
	return axis
}
