//go:build unix

package service_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
	"github.com/CZERTAINLY/Overseer/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRunnerTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	var out lines
	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{
		Path:      sh,
		Args:      []string{"-c", "sleep 30 & echo $!; wait"},
		Timeout:   200 * time.Millisecond,
		KillGrace: 300 * time.Millisecond,
	}, out.handle)
	require.NoError(t, err)

	res := <-runner.Results()
	require.Equal(t, model.OutcomeTimeout, res.Outcome)

	stdout := out.get(service.StreamStdout)
	require.Len(t, stdout, 1)
	child, err := strconv.Atoi(stdout[0])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return exited(child)
	}, 5*time.Second, 20*time.Millisecond, "background child %d outlived the run", child)
}

// exited reports whether pid is gone or a zombie waiting for its new parent.
func exited(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(stat, ')')
	return i > 0 && bytes.HasPrefix(bytes.TrimSpace(stat[i+1:]), []byte("Z"))
}
