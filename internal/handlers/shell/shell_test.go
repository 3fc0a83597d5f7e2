package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedflow/internal/domain"
	"schedflow/internal/task"
)

func TestShellExecute(t *testing.T) {
	tests := []struct {
		name    string
		sh      Shell
		wantErr bool
		abort   bool
	}{
		{name: "success", sh: Shell{Command: "true"}},
		{name: "args", sh: Shell{Command: "sh", Args: []string{"-c", "exit 0"}}},
		{name: "non-zero exit", sh: Shell{Command: "false"}, wantErr: true},
		{name: "missing command", sh: Shell{Command: "schedflow-no-such-binary"}, wantErr: true, abort: true},
		{name: "empty command", sh: Shell{}, wantErr: true, abort: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var last float64 = -1
			err := tt.sh.Execute(context.Background(), func(p float64) { last = p })
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 100.0, last)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.abort, errors.Is(err, task.ErrAbort))
		})
	}
}

func TestShellRegistry(t *testing.T) {
	reg := task.NewRegistry()
	Register(reg)
	tk, err := reg.Decode(task.Envelope{Type: TaskType, Data: []byte(`{"command":"echo","args":["hi"]}`)})
	require.NoError(t, err)
	sh := tk.(*Shell)
	assert.Equal(t, "echo", sh.Command)
	assert.Equal(t, []string{"hi"}, sh.Args)
	assert.Equal(t, domain.PriorityNormal, sh.Priority())

	sh.Prio = domain.PriorityHigh
	assert.Equal(t, domain.PriorityHigh, sh.Priority())
}
