package concurrency

import (
	"github.com/fluxorio/wtp/pkg/core"
)

// defaultDbgHdr is used when no debug header was set
const defaultDbgHdr = "wtp"

// dbgLogger prefixes every message with "<hdr>: " so that lines emitted by
// different pools and workers can be told apart
type dbgLogger struct {
	hdr    string
	logger core.Logger
}

func newDbgLogger(hdr string, logger core.Logger) dbgLogger {
	if hdr == "" {
		hdr = defaultDbgHdr
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return dbgLogger{hdr: hdr, logger: logger}
}

func (l dbgLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("%s: "+format, append([]interface{}{l.hdr}, args...)...)
}

func (l dbgLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof("%s: "+format, append([]interface{}{l.hdr}, args...)...)
}

func (l dbgLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf("%s: "+format, append([]interface{}{l.hdr}, args...)...)
}

func (l dbgLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("%s: "+format, append([]interface{}{l.hdr}, args...)...)
}
