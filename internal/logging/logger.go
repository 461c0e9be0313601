package logging

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

// Logger is the leveled logging interface used by library code in this
// module. The default implementation writes through glog.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var minLevel = int32(LevelInfo)

// SetLevel sets the minimum level at which loggers returned by New emit log
// entries.
func SetLevel(level Level) {
	atomic.StoreInt32(&minLevel, int32(level))
}

// CurrentLevel returns the minimum level at which loggers returned by New emit
// log entries.
func CurrentLevel() Level {
	return Level(atomic.LoadInt32(&minLevel))
}

func enabled(level Level) bool {
	return level >= CurrentLevel()
}

type glogLogger struct {
	prefix string
}

// New returns a glog-backed Logger. Every entry is prefixed with the
// component name, if one is provided.
func New(component string) Logger {
	l := &glogLogger{}
	if component != "" {
		l.prefix = fmt.Sprintf("%s: ", component)
	}
	return l
}

func (g *glogLogger) Debugf(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		glog.InfoDepth(1, "DEBUG: "+g.prefix+fmt.Sprintf(format, args...))
	}
}

func (g *glogLogger) Infof(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		glog.InfoDepth(1, g.prefix+fmt.Sprintf(format, args...))
	}
}

func (g *glogLogger) Warningf(format string, args ...interface{}) {
	if enabled(LevelWarning) {
		glog.WarningDepth(1, g.prefix+fmt.Sprintf(format, args...))
	}
}

func (g *glogLogger) Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, g.prefix+fmt.Sprintf(format, args...))
}
