package netres

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/KarpelesLab/ringbuf"
)

var logbuf *ringbuf.Writer

func logWarn(msg string, err error, event string) {
	slog.Warn(fmt.Sprintf("[netres] %s: %s", msg, err), "event", event)
}

func logInfo(msg string, event string) {
	slog.Info(fmt.Sprintf("[netres] %s", msg), "event", event)
}

func logDebug(msg string, event string) {
	slog.Debug(fmt.Sprintf("[netres] %s", msg), "event", event)
}

// CaptureLogs routes the default slog output through a ring buffer so the
// game's debug console can dump the last megabyte of subsystem logs via
// LogDmesg. Call once at startup, before creating lists.
func CaptureLogs() error {
	buf, err := ringbuf.New(1024 * 1024)
	if err != nil {
		return err
	}
	logbuf = buf
	slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logbuf), nil)))
	return nil
}

// LogTarget returns the capture buffer, or nil if CaptureLogs was not
// called.
func LogTarget() io.Writer {
	if logbuf == nil {
		return nil
	}
	return logbuf
}

// LogDmesg copies the captured log backlog to w.
func LogDmesg(w io.Writer) (int64, error) {
	if logbuf == nil {
		return 0, nil
	}
	r := logbuf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}
