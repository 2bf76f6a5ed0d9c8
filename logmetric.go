package relayer

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LogMetric accumulates request fields once and hands them out both as zap
// fields and as span attributes.
type LogMetric struct {
	mu         sync.RWMutex
	fields     map[string]zap.Field
	attributes map[string]attribute.KeyValue
}

func NewLogMetric(fields []zap.Field, attributes []attribute.KeyValue) *LogMetric {
	lm := &LogMetric{
		fields:     make(map[string]zap.Field, len(fields)),
		attributes: make(map[string]attribute.KeyValue, len(attributes)),
	}
	for _, field := range fields {
		lm.fields[field.Key] = field
	}
	for _, attr := range attributes {
		lm.attributes[string(attr.Key)] = attr
	}
	return lm
}

func (l *LogMetric) init() {
	if l.fields == nil {
		l.fields = make(map[string]zap.Field)
	}
	if l.attributes == nil {
		l.attributes = make(map[string]attribute.KeyValue)
	}
}

func (l *LogMetric) String(k, v string) {
	l.mu.Lock()
	l.init()
	l.fields[k] = zap.String(k, v)
	l.attributes[k] = attribute.String(k, v)
	l.mu.Unlock()
}

func (l *LogMetric) Int64(k string, v int64) {
	l.mu.Lock()
	l.init()
	l.fields[k] = zap.Int64(k, v)
	l.attributes[k] = attribute.Int64(k, v)
	l.mu.Unlock()
}

func (l *LogMetric) Bool(k string, v bool) {
	l.mu.Lock()
	l.init()
	l.fields[k] = zap.Bool(k, v)
	l.attributes[k] = attribute.Bool(k, v)
	l.mu.Unlock()
}

// Duration is logged as a duration and exported in milliseconds.
func (l *LogMetric) Duration(k string, v time.Duration) {
	l.mu.Lock()
	l.init()
	l.fields[k] = zap.Duration(k, v)
	l.attributes[k] = attribute.Int64(k+"Ms", v.Milliseconds())
	l.mu.Unlock()
}

func (l *LogMetric) Time(k string, v time.Time) {
	l.mu.Lock()
	l.init()
	l.fields[k] = zap.Time(k, v)
	l.attributes[k] = attribute.Int64(k, v.Unix())
	l.mu.Unlock()
}

func (l *LogMetric) Error(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.init()
	l.fields["Err"] = zap.Error(err)
	l.attributes["Err"] = attribute.String("Err", err.Error())
	l.mu.Unlock()
}

func (l *LogMetric) Fields(fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	for _, field := range fields {
		l.fields[field.Key] = field
	}
}

func (l *LogMetric) Attributes(attrs ...attribute.KeyValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	for _, attr := range attrs {
		l.attributes[string(attr.Key)] = attr
	}
}

func (l *LogMetric) GetFields() []zap.Field {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	fields := make([]zap.Field, 0, len(l.fields))
	for _, v := range l.fields {
		fields = append(fields, v)
	}
	return fields
}

func (l *LogMetric) GetAttributes() []attribute.KeyValue {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	attrs := make([]attribute.KeyValue, 0, len(l.attributes))
	for _, v := range l.attributes {
		attrs = append(attrs, v)
	}
	return attrs
}
