package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"schedflow/internal/domain"
	"schedflow/internal/task"
)

const TaskType = "shell"

// Shell runs a command without a shell interpreter.
type Shell struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Prio    int      `json:"priority,omitempty"`
}

func Register(reg *task.Registry) {
	reg.Register(TaskType, func() task.Task { return &Shell{} })
}

func (*Shell) Type() string { return TaskType }

func (s *Shell) Priority() int {
	if s.Prio == 0 {
		return domain.PriorityNormal
	}
	return s.Prio
}

func (s *Shell) Execute(ctx context.Context, progress task.Progress) error {
	if s.Command == "" {
		return fmt.Errorf("%w: command is required", task.ErrAbort)
	}
	progress(0)
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = s.Dir
	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", task.ErrAbort, err)
	}
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	progress(100)
	return nil
}
