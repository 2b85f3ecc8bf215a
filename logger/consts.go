package logger

import (
	"github.com/facebookincubator/go-belt/tool/logger"
)

type Level = logger.Level

// Levels re-exported so that callers (e.g. the replay CLI) do not need to
// import go-belt directly.
const (
	LevelUndefined = logger.LevelUndefined
	LevelError     = logger.LevelError
	LevelWarning   = logger.LevelWarning
	LevelInfo      = logger.LevelInfo
	LevelDebug     = logger.LevelDebug

	// LevelTrace messages are only emitted by builds with the debug_trace tag.
	LevelTrace = logger.LevelTrace
)
