package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/seantiz/anvil/internal/model"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

const detailWidth = 48

// printTasks writes tasks as a table. Cells are padded before coloring so
// escape codes do not break alignment.
func printTasks(w io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}

	fmt.Fprintf(w, "%-26s %-12s %-9s %-8s %-7s %s\n", "ID", "PROJECT", "STATUS", "OUTCOME", "INPUTS", "DETAIL")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s %-12s %s %s %-7d %s\n",
			faint.Sprintf("%-26s", t.ID),
			truncate(t.Project, 12),
			statusColor(t.Status).Sprintf("%-9s", t.Status),
			outcomeColor(t.Outcome).Sprintf("%-8s", dash(t.Outcome)),
			len(t.Inputs),
			detail(t),
		)
	}

	counts := make(map[string]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	var parts []string
	for _, s := range []string{model.StatusPending, model.StatusBlocked, model.StatusRunning, model.StatusFinished, model.StatusSending} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	fmt.Fprintf(w, "\n%d tasks: %s\n", len(tasks), strings.Join(parts, ", "))
}

func statusColor(s string) *color.Color {
	switch s {
	case model.StatusRunning, model.StatusSending:
		return cyan
	case model.StatusBlocked:
		return yellow
	}
	return color.New(color.Reset)
}

func outcomeColor(o string) *color.Color {
	switch o {
	case model.OutcomeOK:
		return green
	case model.OutcomeError:
		return red
	case model.OutcomeRefused:
		return yellow
	}
	return color.New(color.Reset)
}

func detail(t model.Task) string {
	switch {
	case t.Error != nil:
		return truncate(fmt.Sprintf("%s: %s", t.Error.Kind, t.Error.Message), detailWidth)
	case t.Outcome == model.OutcomeOK:
		return fmt.Sprintf("%d outputs, %d bytes", len(t.Outputs), model.TotalSize(t.Outputs))
	}
	return fmt.Sprintf("program %s (%d bytes)", truncate(t.Program.ID, 12), t.Program.Size)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
