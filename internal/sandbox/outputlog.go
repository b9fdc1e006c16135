package sandbox

// outputLog keeps the most recent limit lines in append order.
type outputLog struct {
	limit int
	lines []OutputLine
}

func newOutputLog(limit int) *outputLog {
	return &outputLog{limit: limit}
}

func (l *outputLog) append(line OutputLine) {
	l.lines = append(l.lines, line)
	if over := len(l.lines) - l.limit; over > 0 {
		l.lines = l.lines[over:]
	}
}

func (l *outputLog) snapshot() []OutputLine {
	return append([]OutputLine(nil), l.lines...)
}
