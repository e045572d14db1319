package fexlog

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// logInterceptor adds a sequence number and timestamp to each line
// written to it before forwarding to target, adapted from the teacher's
// utils.LogInterceptor.
type logInterceptor struct {
	target  io.Writer
	seq     atomic.Uint64
	buf     *bytes.Buffer
	scanBuf *bufio.Reader
}

func newLogInterceptor(target io.Writer) *logInterceptor {
	buf := &bytes.Buffer{}
	return &logInterceptor{
		target:  target,
		buf:     buf,
		scanBuf: bufio.NewReader(buf),
	}
}

func (i *logInterceptor) writeLine(line []byte) (int, error) {
	n := i.seq.Add(1)
	total := 0

	prefix := slog.Uint64("line", n).String() + " " + slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	w, err := io.WriteString(i.target, prefix)
	total += w
	if err != nil {
		return total, err
	}

	w, err = i.target.Write(line)
	total += w
	if err != nil {
		return total, err
	}
	w, err = i.target.Write([]byte("\n"))
	total += w
	return total, err
}

func (i *logInterceptor) Write(p []byte) (int, error) {
	if _, err := i.buf.Write(p); err != nil {
		return 0, err
	}

	total := 0
	scanner := bufio.NewScanner(i.buf)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		n, err := i.writeLine(scanner.Bytes())
		total += n
		if err != nil {
			return total, err
		}
	}
	return len(p), nil
}

func (i *logInterceptor) Close() error {
	remaining, err := io.ReadAll(i.scanBuf)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		_, err = i.writeLine(remaining)
	}
	return err
}
