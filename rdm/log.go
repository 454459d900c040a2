package rdm

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// newLogger mirrors client2's log construction (log.NewWithOptions with a
// component prefix and timestamps enabled).
func newLogger(w io.Writer, prefix string, level log.Level) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           level,
	})
}
