package harness

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/coordnet/coordtest/coord/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHarness(t *testing.T, opts ...Option) (int, []string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	h, err := New(append([]Option{WithOutput(out)}, opts...)...)
	require.NoError(t, err)

	code, err := h.Run(context.Background())
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	return code, lines, err
}

func indexOf(lines []string, s string) int {
	for i, l := range lines {
		if l == s {
			return i
		}
	}
	return -1
}

func TestRunScenario(t *testing.T) {
	t.Parallel()

	code, lines, err := runHarness(t, WithCommand("sh", "-c", `echo a; echo b; echo err1 >&2`))
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	// the fixed status sequence
	assert.True(t, strings.HasPrefix(lines[0], "Testing server version "))
	assert.Contains(t, lines, "Testing initialized")
	assert.Contains(t, lines, "Initialized: true")
	assert.Contains(t, lines, "RegNspace 0")
	assert.Contains(t, lines, "RegClient 0")
	assert.Contains(t, lines, "SetupFrk 0")

	// per-stream order is fixed, cross-stream order is not
	aIdx := indexOf(lines, "stdout: a")
	bIdx := indexOf(lines, "stdout: b")
	errIdx := indexOf(lines, "stderr: err1")
	finIdx := indexOf(lines, "FINALIZING")
	require.NotEqual(t, -1, aIdx)
	require.NotEqual(t, -1, bIdx)
	require.NotEqual(t, -1, errIdx)
	require.NotEqual(t, -1, finIdx)
	assert.Less(t, aIdx, bIdx)
	assert.Less(t, bIdx, finIdx)
	assert.Less(t, errIdx, finIdx)
}

func TestRunSilentChild(t *testing.T) {
	t.Parallel()

	code, lines, err := runHarness(t, WithCommand("true"))
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	for _, l := range lines {
		assert.False(t, strings.HasPrefix(l, "stdout:"), l)
		assert.False(t, strings.HasPrefix(l, "stderr:"), l)
	}
	assert.Contains(t, lines, "FINALIZING")
}

func TestRunPropagatesExitCode(t *testing.T) {
	t.Parallel()

	code, lines, err := runHarness(t, WithCommand("sh", "-c", "exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, lines, "FINALIZING")
}

func TestRunServerConstructionFailure(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	h, err := New(
		WithOutput(out),
		WithCommand("true"),
		WithServerConstructor(func(opts ...server.Option) (*server.Server, error) {
			return nil, errors.New("cert generation failed")
		}),
	)
	require.NoError(t, err)

	code, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, code)

	// nothing beyond the failure message: no coordination call ran
	assert.Equal(t, "FAILED TO CREATE SERVER\n", out.String())
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()

	code, lines, err := runHarness(t, WithCommand("definitely-not-a-real-command-12345"))
	require.Error(t, err)
	assert.Equal(t, 1, code)

	// the coordination calls before the launch still ran
	assert.Contains(t, lines, "SetupFrk 0")
	assert.NotContains(t, lines, "FINALIZING")
}
