// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/convai/pkg/convai"
	"github.com/gomlx/convai/pkg/gomlxlm"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	flagVars         = flag.Bool("vars", false, "info: lists the variables of the model weights, with statistics of their values.")
	flagNoMetrics    = flag.Bool("no_metrics", false, "info: don't list the training progress scores.")
	flagMetricsNames = flag.String("metrics_names", "", "info: comma-separated list of the progress scores columns to list. All if empty.")
)

// savedModel holds what info reads from a model directory.
type savedModel struct {
	dir     string
	args    *convai.Args
	results map[string]float64
	weights *context.Context // nil if no weights were saved.
	scores  *convai.ProgressScores
}

func loadSavedModel(dir string) (*savedModel, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "can't read model directory %q", dir)
	}
	m := &savedModel{dir: dir}
	var err error
	m.args, err = convai.LoadArgs(dir)
	if err != nil {
		return nil, err
	}
	m.results, err = readResults(filepath.Join(dir, convai.EvalResultsFile))
	if err != nil {
		return nil, err
	}
	weightsDir := filepath.Join(dir, gomlxlm.WeightsDir)
	if _, err := os.Stat(weightsDir); err == nil {
		m.weights = context.New()
		if _, err := checkpoints.Build(m.weights).Dir(weightsDir).Immediate().Done(); err != nil {
			return nil, errors.WithMessagef(err, "failed to load weights from %q", weightsDir)
		}
	}
	if scores, err := convai.ReadProgressScores(dir); err == nil {
		m.scores = scores
	} else {
		klog.V(1).Infof("No progress scores in %q: %v", dir, err)
	}
	return m, nil
}

// readResults parses the "key = value" lines written by convai.WriteResults. A missing file
// returns no results.
func readResults(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	results := make(map[string]float64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), " = ")
		if !found {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value for %q in %q", key, path)
		}
		results[strings.TrimSpace(key)] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return results, nil
}

// info reports on the models saved in dirs, side by side.
func info(dirs []string) error {
	models := make([]*savedModel, len(dirs))
	for ii, dir := range dirs {
		var err error
		models[ii], err = loadSavedModel(dir)
		if err != nil {
			return err
		}
	}
	names := shortNames(dirs...)
	summary(models, names)
	if err := argsTable(models, names); err != nil {
		return err
	}
	if *flagVars {
		for ii, m := range models {
			if m.weights != nil {
				listVariables(m.weights, names[ii])
			}
		}
	}
	if !*flagNoMetrics {
		for ii, m := range models {
			if m.scores != nil {
				metrics(m.scores, names[ii])
			}
		}
	}
	return nil
}

func summary(models []*savedModel, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, append([]string{"model"}, names...)...)
	addRow := func(name string, fn func(m *savedModel) string) {
		row := make([]string, 0, len(models)+1)
		row = append(row, name)
		for _, m := range models {
			row = append(row, fn(m))
		}
		table.Row(false, row...)
	}
	addRow("model_type", func(m *savedModel) string { return m.args.ModelType })
	addRow("pretrained", func(m *savedModel) string { return m.args.ModelName })
	addRow("run_id", func(m *savedModel) string { return m.args.RunID })
	addRow("evaluations", func(m *savedModel) string {
		if m.scores == nil {
			return ""
		}
		return humanize.Comma(int64(m.scores.Len()))
	})

	// Variables, parameters and memory.
	weightsStat := func(fn func(numVars, totalSize int, totalMemory uintptr) string) func(m *savedModel) string {
		return func(m *savedModel) string {
			if m.weights == nil {
				return ""
			}
			var numVars, totalSize int
			var totalMemory uintptr
			for v := range m.weights.IterVariables() {
				numVars++
				totalSize += v.Shape().Size()
				totalMemory += v.Shape().Memory()
			}
			return fn(numVars, totalSize, totalMemory)
		}
	}
	addRow("# variables", weightsStat(func(n, _ int, _ uintptr) string { return humanize.Comma(int64(n)) }))
	addRow("# parameters", weightsStat(func(_, size int, _ uintptr) string { return humanize.Comma(int64(size)) }))
	addRow("# bytes", weightsStat(func(_, _ int, memory uintptr) string { return humanize.Bytes(uint64(memory)) }))

	// Evaluation results saved with the model.
	keys := make(map[string]bool)
	for _, m := range models {
		for key := range m.results {
			keys[key] = true
		}
	}
	sortedKeys := maps.Keys(keys)
	slices.Sort(sortedKeys)
	for _, key := range sortedKeys {
		addRow(key, func(m *savedModel) string {
			if v, found := m.results[key]; found {
				return fmt.Sprintf("%.4f", v)
			}
			return ""
		})
	}
	fmt.Println(table.Render())
}

// argsTable lists the model arguments, highlighting the ones that differ across models.
func argsTable(models []*savedModel, names []string) error {
	fmt.Println(titleStyle.Render("Arguments"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	headers := []string{"Name"}
	if len(models) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Headers(headers...)

	fields := make([]map[string]json.RawMessage, len(models))
	keys := make(map[string]bool)
	for ii, m := range models {
		data, err := json.Marshal(m.args)
		if err != nil {
			return errors.Wrapf(err, "failed to encode arguments of %q", m.dir)
		}
		if err := json.Unmarshal(data, &fields[ii]); err != nil {
			return errors.Wrapf(err, "failed to decode arguments of %q", m.dir)
		}
		for key := range fields[ii] {
			keys[key] = true
		}
	}
	sortedKeys := maps.Keys(keys)
	slices.Sort(sortedKeys)
	for _, key := range sortedKeys {
		values := make([]string, len(models))
		for ii := range models {
			values[ii] = string(fields[ii][key])
		}
		table.Row(!isAllEqual(values), append([]string{key}, values...)...)
	}
	fmt.Println(table.Render())
	return nil
}

// listVariables lists the variables of the weights, with their shape and MAV (mean absolute
// value), RMS (root-mean-square) and MaxAV (max absolute value).
func listVariables(ctx *context.Context, name string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %s", name)))
	backend := must.M1(backends.New())
	statsExec := must.M1(NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}))
	defer statsExec.Finalize()
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariables() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		shape := v.Shape()
		value := must.M1(v.Value())
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", value.Value())
		} else if shape.DType.IsFloat() {
			mavT, rmsT, maxAVT := must.M3(statsExec.Exec3(value))
			mav = fmt.Sprintf("%.3g", mavT.Value().(float64))
			rms = fmt.Sprintf("%.3g", rmsT.Value().(float64))
			maxAV = fmt.Sprintf("%.3g", maxAVT.Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(false, row...)
	}
	fmt.Println(table.Render())
}

// metricsColumns returns the progress scores columns selected by -metrics_names, in the order
// given, always starting with the global step.
func metricsColumns(scores *convai.ProgressScores, selected string) []string {
	columns := scores.Columns()
	if selected == "" {
		return columns
	}
	result := []string{convai.MetricGlobalStep}
	for _, name := range strings.Split(selected, ",") {
		name = strings.TrimSpace(name)
		if name != convai.MetricGlobalStep && slices.Contains(columns, name) && !slices.Contains(result, name) {
			result = append(result, name)
		}
	}
	return result
}

// metrics lists the scores collected during training, one row per evaluation.
func metrics(scores *convai.ProgressScores, name string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Training progress of %s", name)))
	columns := metricsColumns(scores, *flagMetricsNames)
	table := newTable(lipgloss.Right)
	table.Headers(columns...)
	values := make([][]float64, len(columns))
	for ii, col := range columns {
		values[ii] = scores.Column(col)
	}
	for row := range scores.Len() {
		cells := make([]string, len(columns))
		for ii, col := range columns {
			if col == convai.MetricGlobalStep {
				cells[ii] = humanize.Comma(int64(values[ii][row]))
			} else {
				cells[ii] = fmt.Sprintf("%.4f", values[ii][row])
			}
		}
		table.Row(false, cells...)
	}
	fmt.Println(table.Render())
}
