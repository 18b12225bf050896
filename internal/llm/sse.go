package llm

import (
	"context"
	"io"
	"strings"
)

// lineBuffer accumulates network chunks and yields complete lines. Streaming
// bodies arrive split at arbitrary byte boundaries, so a line is only acted
// on once its newline has been seen. A trailing partial line at stream end
// is discarded.
type lineBuffer struct {
	buf strings.Builder
}

// Feed appends a chunk and returns every complete line it finishes, trimmed
// of surrounding whitespace. Empty lines are dropped.
func (b *lineBuffer) Feed(chunk []byte) []string {
	b.buf.Write(chunk)
	data := b.buf.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := data[:idx], data[idx+1:]
	b.buf.Reset()
	b.buf.WriteString(rest)

	var lines []string
	for _, line := range strings.Split(complete, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// emit sends ev unless ctx is already done. It returns false when the
// consumer has gone away and the producer should stop.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- ev:
		return true
	}
}

// readLines pumps body chunks through a lineBuffer and invokes handle for
// every complete line. handle returns false to stop early, for example
// after a terminal stream event.
func readLines(ctx context.Context, body io.Reader, handle func(line string) bool) error {
	var lb lineBuffer
	chunk := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := body.Read(chunk)
		if n > 0 {
			for _, line := range lb.Feed(chunk[:n]) {
				if !handle(line) {
					return nil
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
