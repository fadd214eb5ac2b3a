package launch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Source identifies which stream of the child a line arrived on.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
)

// Line is a single line read from one of the child's streams, with the
// trailing newline stripped.
type Line struct {
	Source Source
	Text   string
}

func (l Line) String() string {
	return string(l.Source) + ": " + l.Text
}

// Drain reads the child's stdout and stderr concurrently, calling fn for
// each line as it arrives, and returns once both streams have hit
// end-of-stream. End-of-stream is tracked per stream, so one stream
// closing early does not stop the other from being read to completion.
// Lines from the same stream are delivered in the order they were
// written; no ordering is promised across the two streams. A read error
// other than end-of-stream aborts the drain and is returned.
func (p *Proc) Drain(fn func(Line)) error {
	lines := make(chan Line)

	group := new(errgroup.Group)
	group.Go(func() error { return pumpLines(p.stdout, SourceStdout, lines) })
	group.Go(func() error { return pumpLines(p.stderr, SourceStderr, lines) })

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- group.Wait()
		close(lines)
	}()

	for line := range lines {
		fn(line)
	}
	return <-pumpErr
}

// pumpLines reads r line by line into out until end-of-stream. Lines
// have no length bound, so a child that writes huge unbroken output
// cannot abort the drain.
func pumpLines(r io.Reader, src Source, out chan<- Line) error {
	reader := bufio.NewReader(r)
	for {
		text, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(text) > 0 {
					out <- Line{Source: src, Text: text}
				}
				return nil
			}
			return fmt.Errorf("reading %s: %w", src, err)
		}
		out <- Line{Source: src, Text: strings.TrimRight(text, "\r\n")}
	}
}
