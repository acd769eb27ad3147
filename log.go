package heapstore

import "go.uber.org/zap"

// newLogger builds the Storage Manager's logger: a production zap.Logger
// sugared for the structured key-value call sites (Debugw, Infow, Errorw)
// used in this package. New and NewTest always use it; neither accepts a
// logger from the caller.
func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}
