package fluentstats

import (
	"net"
	"strconv"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
	"go.uber.org/zap"
)

const (
	DateFormat = "2006-01-02T15:04:05.000000"

	statsTag = "relayer.go.stats"
)

// Record is a typed stats payload.
type Record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// LogRecord is what is posted to fluentd.
type LogRecord struct {
	Level     string `json:"level"`
	Name      string `json:"name"`
	Msg       Record `json:"msg"`
	Instance  string `json:"instance"`
	Timestamp string `json:"timestamp"`
}

type Stats interface {
	LogToFluentD(record Record, ts time.Time, nodeID string, logName string)
}

// NoStats drops every record.
type NoStats struct {
}

func (NoStats) LogToFluentD(record Record, ts time.Time, nodeID string, logName string) {
}

type FluentdStats struct {
	FluentD *fluent.Fluent
	logger  *zap.Logger
}

// NewStats returns NoStats unless fluentDHost is a usable host:port.
func NewStats(fluentDHost string, logger *zap.Logger) Stats {
	if fluentDHost == "" {
		return NoStats{}
	}
	return newStats(fluentDHost, logger)
}

func (s FluentdStats) LogToFluentD(record Record, ts time.Time, nodeID string, logName string) {
	d := LogRecord{
		Level:     "STATS",
		Name:      logName,
		Msg:       record,
		Instance:  nodeID,
		Timestamp: ts.Format(DateFormat),
	}

	if err := s.FluentD.EncodeAndPostData(statsTag, ts, d); err != nil {
		s.logger.Error("error sending message to fluentd", zap.Error(err), zap.String("name", logName))
	}
}

func (s FluentdStats) Close() error {
	return s.FluentD.Close()
}

func newStats(fluentdHost string, logger *zap.Logger) Stats {
	host, port, err := net.SplitHostPort(fluentdHost)
	if err != nil {
		logger.Error("error parsing fluentd host", zap.Error(err))
		return NoStats{}
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		logger.Error("error parsing fluentd port", zap.Error(err))
		return NoStats{}
	}
	fluentLogger, err := fluent.New(fluent.Config{
		FluentHost:    host,
		FluentPort:    portInt,
		MarshalAsJSON: true,
		Async:         true,
	})
	if err != nil {
		logger.Error("error connecting to fluentd", zap.Error(err))
		return NoStats{}
	}
	logger.Info("connecting to fluentd", zap.String("host", host), zap.Int("port", portInt))
	return FluentdStats{
		FluentD: fluentLogger,
		logger:  logger,
	}
}
