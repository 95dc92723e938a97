package log

import "log/slog"

// LoggerFromValues returns the first logger provided by one of the given
// values via an `interface{ Log() *slog.Logger }` implementation,
// or the [Default] logger.
func LoggerFromValues(vals ...any) *slog.Logger {
	for _, v := range vals {
		if v == nil {
			continue
		}
		if p, ok := v.(interface{ Log() *slog.Logger }); ok {
			if l := p.Log(); l != nil {
				return l
			}
		}
	}
	return Default()
}
