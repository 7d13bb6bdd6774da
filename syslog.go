package dnsprox

import (
	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// SyslogHook is a logrus hook that sends log entries to a syslog server.
type SyslogHook struct {
	writer *syslog.Writer
	levels []logrus.Level
}

var _ logrus.Hook = &SyslogHook{}

type SyslogOptions struct {
	// "udp", "tcp", "unix". Defaults to "udp"
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Syslog tag
	Tag string

	// Only entries at or above this level are forwarded. Defaults to info.
	Level logrus.Level
}

// NewSyslogHook connects to a syslog server and returns a hook for it.
func NewSyslogHook(opt SyslogOptions) (*SyslogHook, error) {
	if opt.Network == "" && opt.Address != "" {
		opt.Network = "udp"
	}
	if opt.Level == 0 {
		opt.Level = logrus.InfoLevel
	}
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.LOG_INFO|syslog.LOG_DAEMON, opt.Tag)
	if err != nil {
		return nil, err
	}
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= opt.Level {
			levels = append(levels, l)
		}
	}
	return &SyslogHook{writer: writer, levels: levels}, nil
}

// Levels returns the levels the hook fires for.
func (h *SyslogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire writes the entry with the syslog severity matching its level.
func (h *SyslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel:
		return h.writer.Emerg(line)
	case logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

// Close the connection to the syslog server.
func (h *SyslogHook) Close() error {
	return h.writer.Close()
}
