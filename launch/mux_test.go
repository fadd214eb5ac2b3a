package launch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainLines(t *testing.T, p *Proc) []Line {
	t.Helper()
	var lines []Line
	err := p.Drain(func(l Line) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	return lines
}

func bySource(lines []Line, src Source) []string {
	var out []string
	for _, l := range lines {
		if l.Source == src {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestDrainTagsAndOrdersLines(t *testing.T) {
	t.Parallel()

	p, err := StartProc(context.Background(), StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", `echo a; echo b; echo err1 >&2`},
	})
	require.NoError(t, err)

	lines := drainLines(t, p)

	assert.Equal(t, []string{"a", "b"}, bySource(lines, SourceStdout))
	assert.Equal(t, []string{"err1"}, bySource(lines, SourceStderr))

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestDrainEmptyOutput(t *testing.T) {
	t.Parallel()

	p, err := StartProc(context.Background(), StartProcRequest{Command: "true"})
	require.NoError(t, err)

	lines := drainLines(t, p)
	assert.Empty(t, lines)

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestDrainContinuesAfterOneStreamCloses(t *testing.T) {
	t.Parallel()

	// stdout closes first; stderr keeps producing afterwards
	p, err := StartProc(context.Background(), StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", `echo o1; exec 1>&-; sleep 0.1; echo e1 >&2; echo e2 >&2`},
	})
	require.NoError(t, err)

	lines := drainLines(t, p)

	assert.Equal(t, []string{"o1"}, bySource(lines, SourceStdout))
	assert.Equal(t, []string{"e1", "e2"}, bySource(lines, SourceStderr))

	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestDrainNoDataLoss(t *testing.T) {
	t.Parallel()

	const n = 500
	p, err := StartProc(context.Background(), StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf(`seq 1 %d; seq 1 %d >&2`, n, n)},
	})
	require.NoError(t, err)

	lines := drainLines(t, p)

	stdout := bySource(lines, SourceStdout)
	stderr := bySource(lines, SourceStderr)
	require.Len(t, stdout, n)
	require.Len(t, stderr, n)
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("%d", i+1)
		assert.Equal(t, want, stdout[i])
		assert.Equal(t, want, stderr[i])
	}

	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestDrainReturnsWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := StartProc(ctx, StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", `echo started; exec sleep 60`},
	})
	require.NoError(t, err)

	done := make(chan []Line, 1)
	go func() {
		var lines []Line
		p.Drain(func(l Line) {
			lines = append(lines, l)
		})
		done <- lines
	}()

	cancel()

	select {
	case lines := <-done:
		// anything written before the kill must have been observed
		for _, l := range lines {
			assert.Equal(t, Line{Source: SourceStdout, Text: "started"}, l)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("drain did not return after cancellation")
	}

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestDrainUnboundedLineLength(t *testing.T) {
	t.Parallel()

	// a single line far beyond any internal buffer size
	const n = 2_000_000
	p, err := StartProc(context.Background(), StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf(`head -c %d /dev/zero | tr '\0' x; echo; echo tail`, n)},
	})
	require.NoError(t, err)

	lines := drainLines(t, p)

	stdout := bySource(lines, SourceStdout)
	require.Len(t, stdout, 2)
	assert.Len(t, stdout[0], n)
	assert.Equal(t, "tail", stdout[1])

	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestDrainNoTrailingNewline(t *testing.T) {
	t.Parallel()

	p, err := StartProc(context.Background(), StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", `printf noeol`},
	})
	require.NoError(t, err)

	lines := drainLines(t, p)
	assert.Equal(t, []Line{{Source: SourceStdout, Text: "noeol"}}, lines)

	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}

func TestLineString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stdout: a", Line{Source: SourceStdout, Text: "a"}.String())
	assert.Equal(t, "stderr: err1", Line{Source: SourceStderr, Text: "err1"}.String())
}
