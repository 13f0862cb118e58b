package progress

import "strings"

// lineSplitter joins chunks of one stream and yields complete lines. Both
// '\n' and '\r' end a line so tqdm-style redraws are seen as they happen.
type lineSplitter struct {
	partial strings.Builder
}

// Push appends chunk and returns the lines it completed, without terminators.
// Empty lines are dropped.
func (s *lineSplitter) Push(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexAny(chunk, "\r\n")
		if i < 0 {
			s.partial.WriteString(chunk)
			return lines
		}
		s.partial.WriteString(chunk[:i])
		if line := s.partial.String(); line != "" {
			lines = append(lines, line)
		}
		s.partial.Reset()
		chunk = chunk[i+1:]
	}
}

// Flush returns the buffered unterminated line, if any.
func (s *lineSplitter) Flush() (string, bool) {
	line := s.partial.String()
	s.partial.Reset()
	return line, line != ""
}

func (s *lineSplitter) Reset() { s.partial.Reset() }
