// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Save writes the model (weights, tokenizer and model_args.json) into dir, so it can be
// reloaded with New. With Args.NoSave only the results are written. If results is not empty
// it is written to dir/eval_results.txt.
func (m *Model) Save(dir string, results map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(dir, results)
}

// save implements Save. The caller must hold m.mu.
func (m *Model) save(dir string, results map[string]float64) error {
	if dir == "" {
		dir = m.Args.OutputDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	if !m.Args.NoSave && m.learner != nil {
		if err := m.learner.Save(dir); err != nil {
			return errors.WithMessagef(err, "failed to save model weights into %q", dir)
		}
		if saver, ok := m.tokenizer.(interface{ Save(dir string) error }); ok {
			if err := saver.Save(dir); err != nil {
				return errors.WithMessagef(err, "failed to save tokenizer into %q", dir)
			}
		}
		if err := m.Args.Save(dir); err != nil {
			return err
		}
		klog.V(1).Infof("Model saved to %q", dir)
	}
	if len(results) > 0 {
		return WriteResults(dir, results)
	}
	return nil
}
