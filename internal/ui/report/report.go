// Package report renders the training progress and the evaluation metrics on the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/lzhmarkk/SimMST/internal/metrics"
	"golang.org/x/term"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	overallStyle  = cellStyle.Bold(true)
	improvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Epoch summarizes one training epoch.
type Epoch struct {
	Epoch              int
	TrainLoss, ValLoss float32
	LearningRate       float64
	TaskLevel          int
	Elapsed            time.Duration

	// Improved is set if the validation loss is the best so far.
	Improved bool
}

// Line renders the epoch summary in one line.
func (e Epoch) Line() string {
	line := fmt.Sprintf("Epoch %3d: train loss %.4f, validation loss %.4f, lr %.2g, task level %d (%s)",
		e.Epoch, e.TrainLoss, e.ValLoss, e.LearningRate, e.TaskLevel, e.Elapsed.Round(time.Millisecond))
	if e.Improved {
		line += improvedStyle.Render(" *")
	}
	return line
}

// Metrics renders the report as a table with one row per horizon step, plus the overall scores.
func Metrics(title string, r metrics.Report) string {
	rows := make([][]string, 0, len(r.PerHorizon)+1)
	for step, s := range r.PerHorizon {
		rows = append(rows, scoreRow(fmt.Sprintf("%d", step+1), s))
	}
	rows = append(rows, scoreRow("all", r.Overall))
	numRows := len(rows)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("horizon", "MAE", "RMSE", "MAPE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == numRows-1:
				return overallStyle
			default:
				return cellStyle
			}
		})
	return titleStyle.Render(title) + "\n" + t.String()
}

func scoreRow(label string, s metrics.Scores) []string {
	return []string{
		label,
		fmt.Sprintf("%.4f", s.MAE),
		fmt.Sprintf("%.4f", s.RMSE),
		fmt.Sprintf("%.2f%%", 100*s.MAPE),
	}
}

// terminalWidth returns the width of the terminal of f, or 0 if it is not a terminal.
func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}

// Centered writes block to w, with each line indented to center the block in width columns.
func Centered(w io.Writer, block string, width int) {
	indent := max((width-lipgloss.Width(block))/2, 0)
	for _, line := range strings.Split(block, "\n") {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

// PrintCentered prints block centered on the terminal, or as is if the stdout is not a terminal.
func PrintCentered(block string) {
	Centered(os.Stdout, block, terminalWidth(os.Stdout))
}
