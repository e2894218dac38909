package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// runLog accumulates the human-readable trace of one execution and
// mirrors every line to the status sink and the process logger. One
// goroutine owns it for the whole run.
type runLog struct {
	deploymentID string
	b            strings.Builder
	sink         StatusSink
	log          hclog.Logger
	now          func() time.Time
}

func newRunLog(deploymentID string, sink StatusSink, log hclog.Logger) *runLog {
	return &runLog{deploymentID: deploymentID, sink: sink, log: log, now: time.Now}
}

func (l *runLog) printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	stamped := l.now().Format("2006-01-02 15:04:05") + " | " + line + "\n"
	l.b.WriteString(stamped)

	if l.log != nil {
		l.log.Info(line, "deployment_id", l.deploymentID)
	}
	if l.sink != nil {
		// Log streaming must survive a canceled script context.
		if err := l.sink.AppendLog(context.Background(), l.deploymentID, stamped); err != nil && l.log != nil {
			l.log.Warn("append deployment log failed", "deployment_id", l.deploymentID, "error", err)
		}
	}
}

// output folds captured script output into the trace, indented so
// stage lines stay scannable.
func (l *runLog) output(label, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		l.printf("  %s> %s", label, line)
	}
}

func (l *runLog) String() string { return l.b.String() }
