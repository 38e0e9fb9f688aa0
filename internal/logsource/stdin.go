package logsource

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"os"
	"strings"
)

// StdinSource reads complete lines from a stream. It has no durable
// position: Commit is a no-op and every run sees only what is piped in.
type StdinSource struct {
	r        io.Reader
	maxLines int
	consumed bool
}

// NewStdinSource creates a source over standard input.
func NewStdinSource(maxLines int) *StdinSource {
	return newStdinSourceWithReader(os.Stdin, maxLines)
}

func newStdinSourceWithReader(r io.Reader, maxLines int) *StdinSource {
	return &StdinSource{r: r, maxLines: maxLines}
}

// Lines yields newline-terminated lines; a trailing partial line is dropped.
func (s *StdinSource) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.consumed {
			yield("", ErrConsumed)
			return
		}
		s.consumed = true

		reader := bufio.NewReader(s.r)
		n := 0
		for s.maxLines <= 0 || n < s.maxLines {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
			n++
			if !yield(strings.TrimRight(line, "\r\n"), nil) {
				return
			}
		}
	}
}

func (s *StdinSource) Commit() error { return nil }
func (s *StdinSource) Name() string  { return "stdin" }
