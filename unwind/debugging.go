package unwind

// DebugLogf receives verbose debugging messages from this package.
// verbosityLevel is 1 for notable events and 2 for per-frame detail.
// If nil (the default), verbose logging is disabled.
var DebugLogf func(verbosityLevel int, format string, args ...interface{})

func logf(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(1, format, args...)
	}
}

func verbosef(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(2, format, args...)
	}
}
