package llm

import (
	"reflect"
	"testing"
)

func TestLineBufferFeed(t *testing.T) {
	t.Parallel()

	var lb lineBuffer

	if lines := lb.Feed([]byte("data: {\"cho")); lines != nil {
		t.Errorf("partial chunk yielded lines: %v", lines)
	}
	lines := lb.Feed([]byte("ices\":[]}\ndata: next"))
	if want := []string{`data: {"choices":[]}`}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Feed() = %v, want %v", lines, want)
	}
	lines = lb.Feed([]byte("\n"))
	if want := []string{"data: next"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Feed() = %v, want %v", lines, want)
	}
}

func TestLineBufferSplitEqualsUnsplit(t *testing.T) {
	t.Parallel()

	full := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\ndata: [DONE]\n"

	collect := func(chunks ...string) []string {
		var lb lineBuffer
		var out []string
		for _, c := range chunks {
			out = append(out, lb.Feed([]byte(c))...)
		}
		return out
	}

	unsplit := collect(full)
	// Split mid-line at every possible byte boundary.
	for i := 1; i < len(full); i++ {
		split := collect(full[:i], full[i:])
		if !reflect.DeepEqual(split, unsplit) {
			t.Fatalf("split at %d parsed differently: %v vs %v", i, split, unsplit)
		}
	}
}

func TestLineBufferDropsBlankLines(t *testing.T) {
	t.Parallel()

	var lb lineBuffer
	lines := lb.Feed([]byte("\r\n\none\n\ntwo\n"))
	if want := []string{"one", "two"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("Feed() = %v, want %v", lines, want)
	}
}
