package mux

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in this package:
// Info:
//     essential events for abnormal behavior. Silent in normal operation,
//     with the exception of one-time initialization data useful for
//     monitoring. The component loggers in this module (mux, replication,
//     resilient) are all created at glog.V(2), so their goaway and
//     reconnect messages fall under Debug below.
// Error:
//     unrecoverable crash details and protocol violations.
// Debug (glog.V(2)):
//     key trace events -- frame send/receive, stream open/close -- meant
//     to be filtered by verbosity rather than logged at default level.

type LogFunction func(string, ...any)

// LogFn returns a LogFunction that prefixes every message with tag and
// routes it through glog at the given verbosity. Pass 0 for unconditional
// Info-level logging.
func LogFn(verbosity glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		if verbosity == 0 {
			glog.Infof("%s: %s", tag, m)
		} else if glog.V(verbosity) {
			glog.Infof("%s: %s", tag, m)
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
