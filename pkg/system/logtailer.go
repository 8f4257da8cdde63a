package system

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// LogTailer reads the bot's own log files, the ones the unit appends
// stdout and stderr to under the logs directory.
type LogTailer struct {
	inst *botdeploy.Installation
	poll time.Duration
	wait time.Duration
}

func NewLogTailer(inst *botdeploy.Installation) LogTailer {
	return LogTailer{
		inst: inst,
		poll: time.Second,
		wait: 30 * time.Second,
	}
}

func (t LogTailer) LogFile(stderr bool) string {
	name := t.inst.Config.ServiceName + ".log"
	if stderr {
		name = t.inst.Config.ServiceName + ".error.log"
	}
	return filepath.Join(t.inst.LogsPath(), name)
}

// GetChan streams the last n lines of the log (all of it when n <= 0).
// With follow set it keeps streaming appended lines until ctx is done,
// waiting for the file to appear first and reopening it when logrotate
// moves it away. The channel is closed when streaming stops.
func (t LogTailer) GetChan(ctx context.Context, stderr bool, n int, follow bool) (<-chan string, error) {
	logFile := t.LogFile(stderr)

	file, err := os.Open(logFile)
	if err != nil && (!follow || !os.IsNotExist(err)) {
		return nil, fmt.Errorf("failed to open %s: %w", logFile, err)
	}

	var events <-chan fsnotify.Event
	var watcher *fsnotify.Watcher
	if follow {
		// without a watcher the poll interval alone drives following
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(filepath.Dir(logFile)); err == nil {
				watcher, events = w, w.Events
			} else {
				w.Close()
			}
		}
	}

	out := make(chan string, 10)

	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}

		if file == nil {
			file = t.waitFor(ctx, logFile, events)
			if file == nil {
				return
			}
		}
		defer func() { file.Close() }()

		reader := bufio.NewReader(file)
		lines, partial := lastLines(reader, n)
		if !follow && partial != "" {
			lines = append(lines, trimNewline(partial))
			if n > 0 && len(lines) > n {
				lines = lines[1:]
			}
		}
		for _, line := range lines {
			select {
			case <-ctx.Done():
				return
			case out <- line:
			}
		}
		if !follow {
			return
		}

		// an unterminated last line is finished by whatever gets appended
		for {
			chunk, err := reader.ReadString('\n')
			partial += chunk
			if err == io.EOF {
				rotated, ok := t.idle(ctx, logFile, events)
				if !ok {
					return
				}
				if rotated {
					next, err := os.Open(logFile)
					if err != nil {
						continue
					}
					file.Close()
					file = next
					reader = bufio.NewReader(file)
					if partial != "" {
						select {
						case <-ctx.Done():
							return
						case out <- trimNewline(partial):
						}
						partial = ""
					}
				}
				continue
			}
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- trimNewline(partial):
			}
			partial = ""
		}
	}()
	return out, nil
}

// idle blocks until the log may have grown. rotated is set when a new file
// was created under the log's name. ok is false once ctx is done.
func (t LogTailer) idle(ctx context.Context, logFile string, events <-chan fsnotify.Event) (rotated bool, ok bool) {
	timer := time.NewTimer(t.poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-timer.C:
			return false, true
		case event, open := <-events:
			if !open {
				events = nil
				continue
			}
			if event.Name != logFile {
				continue
			}
			return event.Op&fsnotify.Create == fsnotify.Create, true
		}
	}
}

func (t LogTailer) waitFor(ctx context.Context, logFile string, events <-chan fsnotify.Event) *os.File {
	deadline := time.Now().Add(t.wait)
	for time.Now().Before(deadline) {
		if file, err := os.Open(logFile); err == nil {
			return file
		}
		if _, ok := t.idle(ctx, logFile, events); !ok {
			return nil
		}
	}
	return nil
}

// lastLines reads r to EOF and keeps the trailing n complete lines. An
// unterminated last line comes back separately as partial.
func lastLines(r *bufio.Reader, n int) (lines []string, partial string) {
	lines = []string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return lines, line
		}
		lines = append(lines, trimNewline(line))
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}
