package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

func TestPrintTasks(t *testing.T) {
	color.NoColor = true

	tasks := []model.Task{
		{ID: "01JAAAAAAAAAAAAAAAAAAAAAAA", Project: "proj", Status: model.StatusRunning,
			Program: model.BlobRef{ID: "prog", Size: 100}},
		{ID: "01JBBBBBBBBBBBBBBBBBBBBBBB", Project: "proj", Status: model.StatusFinished, Outcome: model.OutcomeOK,
			Outputs: []model.BlobRef{{ID: "o1", Size: 3}, {ID: "o2", Size: 4}}},
		{ID: "01JCCCCCCCCCCCCCCCCCCCCCCC", Project: "proj", Status: model.StatusFinished, Outcome: model.OutcomeError,
			Error: &xerrors.Payload{Kind: xerrors.KindRuntime, Message: "Program abort(): bad input"}},
	}

	var buf bytes.Buffer
	printTasks(&buf, tasks)
	out := buf.String()

	for _, want := range []string{
		"ID", "OUTCOME",
		"01JAAAAAAAAAAAAAAAAAAAAAAA", "program prog (100 bytes)",
		"2 outputs, 7 bytes",
		"runtime: Program abort(): bad input",
		"3 tasks: 1 running, 2 finished",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	lines := strings.Split(out, "\n")
	if idx := strings.Index(lines[0], "STATUS"); idx < 0 || strings.Index(lines[1], "running") != idx {
		t.Errorf("STATUS column misaligned:\n%s", out)
	}
}

func TestPrintTasksEmpty(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, nil)
	if got := strings.TrimSpace(buf.String()); got != "no tasks" {
		t.Errorf("output = %q, want %q", got, "no tasks")
	}
}

func TestFilterTasks(t *testing.T) {
	tasks := []model.Task{{ID: "a", Status: model.StatusRunning}, {ID: "b", Status: model.StatusFinished}}
	if got := filterTasks(tasks, ""); len(got) != 2 {
		t.Errorf("no filter kept %d, want 2", len(got))
	}
	got := filterTasks(tasks, model.StatusFinished)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("filter finished = %+v", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"much too long", 5, "much…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
