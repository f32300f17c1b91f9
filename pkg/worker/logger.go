package worker

import "gitpull/internal"

type Logger interface {
	Printf(format string, args ...interface{})
}

var defaultWorkerLogger = internal.NewLogger("worker")
