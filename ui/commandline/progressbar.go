// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar displays the progress of a fine-tuning run: it implements convai.Observer.
//
// On a terminal it draws a table with the current step, loss, learning rate and the latest
// evaluation results above the bar, asynchronously so a slow terminal doesn't hold training.
// In a notebook it prints the metrics as a suffix of the bar.
type ProgressBar struct {
	out        io.Writer
	bar        *progressbar.ProgressBar
	suffix     string
	inNotebook bool
	lastStep   int
	start      time.Time

	mu       sync.Mutex
	lastEval map[string]float64
	evalStep int

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	endOnce          sync.Once
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount       int
	globalStep   int
	totalSteps   int
	loss         float64
	learningRate float64
	stepDuration time.Duration
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates a progress bar writing to os.Stdout. The bar itself is created at the
// first step, when the total number of steps is known.
func NewProgressBar() *ProgressBar {
	return newProgressBar(os.Stdout, notebooks.IsNotebook())
}

func newProgressBar(out io.Writer, inNotebook bool) *ProgressBar {
	pBar := &ProgressBar{
		out:        out,
		inNotebook: inNotebook,
		start:      time.Now(),
	}
	if pBar.inNotebook {
		return pBar
	}
	pBar.isFirstOutput = true
	pBar.termenv = termenv.NewOutput(pBar.out)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()
	return pBar
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is the writer of the enclosed progressbar.ProgressBar, so the bar and its
// suffix are written in one operation; otherwise notebooks may display them in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *ProgressBar) createBar(totalSteps int) {
	pBar.bar = progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if !pBar.inNotebook {
		// Erase to the end of the line spurious characters from previous prints.
		pBar.suffix = "\033[J"
	}
}

// OnStep implements convai.Observer.
func (pBar *ProgressBar) OnStep(globalStep, totalSteps int, loss, learningRate float64) {
	if pBar.bar == nil {
		pBar.createBar(totalSteps)
		pBar.lastStep = globalStep - 1
	}
	amount := globalStep - pBar.lastStep
	if amount <= 0 {
		return
	}
	pBar.lastStep = globalStep
	if pBar.inNotebook {
		parts := []string{
			fmt.Sprintf(" [step=%d]", globalStep),
			fmt.Sprintf(" [loss=%.4g]", loss),
			fmt.Sprintf(" [lr=%.3g]", learningRate),
		}
		pBar.mu.Lock()
		for _, name := range slices.Sorted(maps.Keys(pBar.lastEval)) {
			parts = append(parts, fmt.Sprintf(" [%s=%.4g]", name, pBar.lastEval[name]))
		}
		pBar.mu.Unlock()
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [ProgressBar.Write].
		return
	}
	pBar.updates <- progressBarUpdate{
		amount:       amount,
		globalStep:   globalStep,
		totalSteps:   totalSteps,
		loss:         loss,
		learningRate: learningRate,
		stepDuration: time.Since(pBar.start) / time.Duration(max(globalStep, 1)),
	}
}

// OnEvaluation implements convai.Observer. The results are shown with the next step.
func (pBar *ProgressBar) OnEvaluation(globalStep int, results map[string]float64) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	pBar.lastEval = maps.Clone(results)
	pBar.evalStep = globalStep
}

// OnEnd implements convai.Observer. It waits for pending updates to be drawn.
func (pBar *ProgressBar) OnEnd() {
	pBar.endOnce.Do(func() {
		if pBar.updates != nil {
			close(pBar.updates)
		}
		pBar.asyncUpdatesDone.Wait()
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
		_, _ = fmt.Fprintln(pBar.out)
	})
}

// drawLoop asynchronously draws updates: handy if training is faster than the terminal, in
// particular if running on cloud with a relatively slow network connection.
func (pBar *ProgressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", fmt.Sprintf("%s of %s",
			humanize.Comma(int64(update.globalStep)), humanize.Comma(int64(update.totalSteps))))
		pBar.statsTable.Row("Mean step duration", FormatDuration(update.stepDuration))
		pBar.statsTable.Row("Train loss", fmt.Sprintf("%.4f", update.loss))
		pBar.statsTable.Row("Learning rate", fmt.Sprintf("%.3g", update.learningRate))
		numRows := 4
		pBar.mu.Lock()
		for _, name := range slices.Sorted(maps.Keys(pBar.lastEval)) {
			pBar.statsTable.Row(fmt.Sprintf("Eval %s (step %d)", name, pBar.evalStep),
				fmt.Sprintf("%.4f", pBar.lastEval[name]))
			numRows++
		}
		pBar.mu.Unlock()

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		pBar.numLinesPrinted = numRows + 2 + 2 // Table borders, bar and empty line.

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
