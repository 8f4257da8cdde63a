package botdeploy

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type ActionLogger interface {
	Progress(p int)
	Step(step string) SubLogger
}

type SubLogger interface {
	Log(msg string)
	Logf(msg string, a ...any)
	Err(msg string)
	Errf(msg string, a ...any)
	Progress(p int) SubLogger
	LogCmd(cmd *exec.Cmd)
	RunCmd(cmd *exec.Cmd) error
}

// StepProgress is one line of progress, as handed to logrus.
type StepProgress struct {
	AttemptID string
	Service   string
	Step      string
	Progress  int
	Msg       string
	Error     bool
	StepTaken time.Duration
}

type actionLogger struct {
	AttemptID string
	Service   string
	Steps     map[string]*stepLogger
	log       *logrus.Logger
	progress  int
	mu        sync.Mutex
}

func NewActionLogger(attemptID string, service string, log *logrus.Logger) *actionLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &actionLogger{
		AttemptID: attemptID,
		Service:   service,
		Steps:     map[string]*stepLogger{},
		log:       log,
	}
}

func (t *actionLogger) Progress(p int) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

func (t *actionLogger) Step(step string) SubLogger {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.Steps[step]
	if !ok {
		s = &stepLogger{l: t, step: step, start: time.Now()}
		t.Steps[step] = s
	}
	return s
}

type stepLogger struct {
	l        *actionLogger
	step     string
	progress int
	start    time.Time
}

func (t *stepLogger) log(msg string, isErr bool) {
	p := StepProgress{
		AttemptID: t.l.AttemptID,
		Service:   t.l.Service,
		Step:      t.step,
		Progress:  t.progress,
		Msg:       msg,
		Error:     isErr,
		StepTaken: time.Since(t.start),
	}

	entry := t.l.log.WithFields(logrus.Fields{
		"attempt":  p.AttemptID,
		"service":  p.Service,
		"step":     p.Step,
		"progress": p.Progress,
		"elapsed":  fmt.Sprintf("%.2fs", p.StepTaken.Seconds()),
	})
	if p.Error {
		entry.Error(p.Msg)
		return
	}
	entry.Info(p.Msg)
}

func (t *stepLogger) Progress(p int) SubLogger {
	t.progress = p
	return t
}

func (t *stepLogger) Log(msg string) {
	t.log(msg, false)
}

func (t *stepLogger) Logf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), false)
}

func (t *stepLogger) Err(msg string) {
	t.log(msg, true)
}

func (t *stepLogger) Errf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), true)
}

func (t *stepLogger) LogCmd(cmd *exec.Cmd) {
	t.l.log.WithField("step", t.step).Debugf("exec: %s", strings.Join(cmd.Args, " "))
	cmd.Stdout = NewLineWriter(func(s string) {
		t.log(s, false)
	})
	// stderr is normal output for most of the tools we drive (pip, apt)
	cmd.Stderr = NewLineWriter(func(s string) {
		t.log(s, false)
	})
}

// RunCmd runs cmd with its output routed through the step and flushes any
// trailing partial line once the command exits.
func (t *stepLogger) RunCmd(cmd *exec.Cmd) error {
	t.LogCmd(cmd)
	err := cmd.Run()
	flushWriters(cmd)
	return err
}

// ConsoleSubLogger logs without an attempt, for one-off commands.
type ConsoleSubLogger struct {
	Service  string
	step     string
	progress int
	start    time.Time
	log      *logrus.Logger
}

func NewConsoleSubLogger(service string, step string) *ConsoleSubLogger {
	return &ConsoleSubLogger{
		Service: service,
		step:    step,
		start:   time.Now(),
		log:     logrus.StandardLogger(),
	}
}

func (t *ConsoleSubLogger) emit(msg string, isErr bool) {
	entry := t.log.WithFields(logrus.Fields{
		"service":  t.Service,
		"step":     t.step,
		"progress": t.progress,
		"elapsed":  fmt.Sprintf("%.2fs", time.Since(t.start).Seconds()),
	})
	if isErr {
		entry.Error(msg)
		return
	}
	entry.Info(msg)
}

func (t *ConsoleSubLogger) Progress(p int) SubLogger {
	t.progress = p
	return t
}

func (t *ConsoleSubLogger) Log(msg string) {
	t.emit(msg, false)
}

func (t *ConsoleSubLogger) Logf(msg string, a ...any) {
	t.emit(fmt.Sprintf(msg, a...), false)
}

func (t *ConsoleSubLogger) Err(msg string) {
	t.emit(msg, true)
}

func (t *ConsoleSubLogger) Errf(msg string, a ...any) {
	t.emit(fmt.Sprintf(msg, a...), true)
}

func (t *ConsoleSubLogger) LogCmd(cmd *exec.Cmd) {
	cmd.Stdout = NewLineWriter(func(s string) {
		t.emit(s, false)
	})
	cmd.Stderr = NewLineWriter(func(s string) {
		t.emit(s, false)
	})
}

func (t *ConsoleSubLogger) RunCmd(cmd *exec.Cmd) error {
	t.LogCmd(cmd)
	err := cmd.Run()
	flushWriters(cmd)
	return err
}

func flushWriters(cmd *exec.Cmd) {
	if w, ok := cmd.Stdout.(*LineWriter); ok {
		w.Flush()
	}
	if w, ok := cmd.Stderr.(*LineWriter); ok {
		w.Flush()
	}
}

// LineWriter implements io.Writer and calls receiver once per complete
// line. A trailing partial line is held until the next write or Flush.
type LineWriter struct {
	receiver func(string)
	buf      bytes.Buffer
	mu       sync.Mutex
}

func NewLineWriter(receiver func(string)) *LineWriter {
	return &LineWriter{receiver: receiver}
}

func (t *LineWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	for {
		line, err := t.buf.ReadBytes('\n')
		if err != nil {
			// no newline left; keep the remainder for later
			t.buf.Reset()
			t.buf.Write(line)
			break
		}
		t.receiver(strings.TrimRight(string(line), "\r\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (t *LineWriter) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() == 0 {
		return
	}
	t.receiver(strings.TrimRight(t.buf.String(), "\r"))
	t.buf.Reset()
}
