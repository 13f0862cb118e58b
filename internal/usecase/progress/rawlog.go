package progress

import "strings"

// rawLog is a bounded byte log that drops the oldest data once max is
// exceeded. Offsets are absolute: they count every byte ever written, so a
// reader can resume after data has been dropped. Not goroutine-safe; the
// Interpreter serialises access.
type rawLog struct {
	data    []byte
	max     int
	written int64
}

func newRawLog(maxBytes int) *rawLog {
	return &rawLog{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (l *rawLog) WriteString(s string) {
	l.data = append(l.data, s...)
	l.written += int64(len(s))
	if len(l.data) > l.max {
		l.data = l.data[len(l.data)-l.max:]
	}
}

func (l *rawLog) String() string { return string(l.data) }

func (l *rawLog) Len() int { return len(l.data) }

// TotalWritten counts every byte ever written, including dropped ones.
func (l *rawLog) TotalWritten() int64 { return l.written }

// ReadFrom returns the content from absolute offset onward. An offset that
// points into dropped data reads from the oldest retained byte.
func (l *rawLog) ReadFrom(offset int64) string {
	dropped := l.written - int64(len(l.data))
	local := offset - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(l.data)) {
		return ""
	}
	return string(l.data[local:])
}

// Tail returns at most n trailing lines.
func (l *rawLog) Tail(n int) string {
	if n <= 0 {
		return ""
	}
	s := strings.TrimRight(string(l.data), "\n")
	idx := len(s)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}

func (l *rawLog) Reset() {
	l.data = l.data[:0]
	l.written = 0
}
