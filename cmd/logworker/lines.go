package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

var severityNames = [8]string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

var errNoPRI = errors.New("missing <PRI> prefix")

// syslogLine is a parsed "<PRI>rest" line
type syslogLine struct {
	Facility int
	Severity int
	Msg      string
}

// parseLine splits the PRI part off a syslog line
func parseLine(line string) (syslogLine, error) {
	if !strings.HasPrefix(line, "<") {
		return syslogLine{}, errNoPRI
	}
	end := strings.IndexByte(line, '>')
	if end < 2 || end > 4 {
		return syslogLine{}, errNoPRI
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil || pri > 191 {
		return syslogLine{}, fmt.Errorf("invalid PRI %q", line[1:end])
	}
	return syslogLine{Facility: pri / 8, Severity: pri % 8, Msg: line[end+1:]}, nil
}

// makeLine renders the n-th synthetic line of a producer
func makeLine(producer, n int, now time.Time) string {
	facility := 16 + producer%8 // local0..local7
	severity := n % 8
	return fmt.Sprintf("<%d>%s logworker producer%d[%d]: synthetic message %d",
		facility*8+severity, now.Format(time.Stamp), producer, producer, n)
}

// lineSink processes lines on worker threads: it counts them by severity
// and writes them to out
type lineSink struct {
	mu  sync.Mutex
	out io.Writer

	lines *prom.CounterVec
}

func newLineSink(out io.Writer, lines *prom.CounterVec) *lineSink {
	if out == nil {
		out = io.Discard
	}
	return &lineSink{out: out, lines: lines}
}

// process handles one line
func (s *lineSink) process(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parsed, err := parseLine(line)
	if err != nil {
		s.lines.WithLabelValues("invalid").Inc()
		return err
	}
	s.lines.WithLabelValues(severityNames[parsed.Severity]).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = io.WriteString(s.out, line+"\n")
	return err
}
