package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// LogEvent is a single in-flight log entry. Fields are appended as JSON
// key/value pairs into a pooled buffer; Msg finalizes the entry and hands it
// to the owning logger's appenders.
//
// All methods are safe on a nil receiver: a logger returns nil for filtered
// levels, so call sites can chain fields unconditionally.
type LogEvent struct {
	buf    bytes.Buffer
	logger Logger
	level  Level
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{logger: logger}
}

// Reset prepares a pooled event for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.level = InfoLevel
}

// Buffer exposes the raw encoded entry. Used by appenders and tests.
func (e *LogEvent) Buffer() *bytes.Buffer {
	return &e.buf
}

func (e *LogEvent) appendKey(key string) {
	if e.buf.Len() == 0 {
		e.buf.WriteByte('{')
	} else {
		e.buf.WriteByte(',')
	}
	e.buf.WriteByte('"')
	e.buf.WriteString(key)
	e.buf.WriteString(`":`)
}

// Str appends a string field.
func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.Quote(val))
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.Itoa(val))
	return e
}

// Int64 appends an int64 field.
func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.FormatInt(val, 10))
	return e
}

// Uint32 appends a uint32 field.
func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.FormatUint(uint64(val), 10))
	return e
}

// Uint64 appends a uint64 field.
func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.FormatUint(val, 10))
	return e
}

// Bool appends a bool field.
func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.FormatBool(val))
	return e
}

// Bytes appends a byte slice rendered as a quoted string.
func (e *LogEvent) Bytes(key string, val []byte) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.Quote(string(val)))
	return e
}

// Dur appends a duration field in its Go string form.
func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteString(strconv.Quote(val.String()))
	return e
}

// Err appends an error field under the key "error". A nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil {
		return nil
	}
	if err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Time appends a timestamp field in RFC3339 form with millisecond precision.
func (e *LogEvent) Time(key string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(key)
	e.buf.WriteByte('"')
	e.buf.WriteString(t.Format("2006-01-02T15:04:05.000Z07:00"))
	e.buf.WriteByte('"')
	return e
}

// Msg finalizes the event with the given message and dispatches it.
// The event must not be used after Msg returns.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.appendKey("msg")
	e.buf.WriteString(strconv.Quote(msg))
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Msgf finalizes the event with a formatted message.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}
