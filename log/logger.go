// Package log implements the structured logging sink used across the talon
// socket toolkit. It provides a leveled, field-based event builder with
// pluggable appenders (console, file) and a no-op implementation for callers
// that want silence. Components hold a Logger reference and never depend on
// the sink's implementation.
package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/talon/config"
)

// Logger is the capability consumed by every component in the toolkit.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	AddAppender(appender LogAppender)
	GetAppender() []LogAppender
	OnEventEnd(e *LogEvent)
}

// NetLogger is the standard Logger implementation: level filtering, pooled
// events, optional caller capture, one or more appenders.
type NetLogger struct {
	appenders         []LogAppender
	minLevel          Level
	callerSkip        int
	eventPool         *sync.Pool
	callerCache       sync.Map
	enabledCallerInfo bool
}

// NewLogger creates a NetLogger from cfg; nil selects the package defaults.
func NewLogger(cfg *LogCfg) *NetLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &NetLogger{
		minLevel:          cfg.LogLevel,
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

var _defaultLogger atomic.Pointer[NetLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// SetDefaultLogger replaces the package-level default logger.
func SetDefaultLogger(logger *NetLogger) {
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" configuration through the
// config manager and installs the resulting logger as the package default.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLogger(logCfg))
	return nil
}

// AddAppender adds an appender to the package default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.Load().AddAppender(appender)
}

// Trace logs at trace level on the package default logger.
func Trace() *LogEvent { return _defaultLogger.Load().Trace() }

// Debug logs at debug level on the package default logger.
func Debug() *LogEvent { return _defaultLogger.Load().Debug() }

// Info logs at info level on the package default logger.
func Info() *LogEvent { return _defaultLogger.Load().Info() }

// Warn logs at warn level on the package default logger.
func Warn() *LogEvent { return _defaultLogger.Load().Warn() }

// Error logs at error level on the package default logger.
func Error() *LogEvent { return _defaultLogger.Load().Error() }

// SetLevel changes the default logger's minimum level at runtime.
func SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&_defaultLogger.Load().minLevel), uint32(level))
}

func (x *NetLogger) checkLevel(level Level) bool {
	current := Level(atomic.LoadUint32((*uint32)(&x.minLevel)))
	return current <= level
}

// AddAppender registers an output destination. Not safe to call concurrently
// with logging; wire appenders up before handing the logger out.
func (x *NetLogger) AddAppender(appender LogAppender) {
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the registered appenders.
func (x *NetLogger) GetAppender() []LogAppender {
	return x.appenders
}

// Refresh triggers a refresh on all appenders, e.g. after log rotation.
func (x *NetLogger) Refresh() {
	for _, appender := range x.appenders {
		appender.Refresh()
	}
}

// OnEventEnd writes a finalized event to every appender and returns it to
// the pool. Fatal events panic after being written.
func (x *NetLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}

	level := e.level
	x.eventPool.Put(e)

	if level == FatalLevel {
		panic("fatal log event")
	}
}

// Trace creates a trace-level event, or nil if filtered.
func (x *NetLogger) Trace() *LogEvent { return x.log(TraceLevel) }

// Debug creates a debug-level event, or nil if filtered.
func (x *NetLogger) Debug() *LogEvent { return x.log(DebugLevel) }

// Info creates an info-level event, or nil if filtered.
func (x *NetLogger) Info() *LogEvent { return x.log(InfoLevel) }

// Warn creates a warn-level event, or nil if filtered.
func (x *NetLogger) Warn() *LogEvent { return x.log(WarnLevel) }

// Error creates an error-level event, or nil if filtered.
func (x *NetLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal creates a fatal-level event; the event panics once finalized.
func (x *NetLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _unknownCallerInfo = &callerInfo{file: "unknown", function: "unknown", str: "unknown"}

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + function + ":" + strconv.Itoa(line),
	}
}

func (c *callerInfo) String() string { return c.str }

func (x *NetLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _unknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// Keep the last two path elements of the file, zerolog-style.
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *NetLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo().String())
	}

	return e
}
