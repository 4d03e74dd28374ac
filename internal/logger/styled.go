// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
	"github.com/thushan/hostpool/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for the
// pool's slot lifecycle and dispatcher events.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

// InfoWithCount appends a styled count, e.g. "open connections (3)".
func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithSlot logs a message tagged with a slot index, e.g. "dispatched slot[2]".
func (sl *StyledLogger) InfoWithSlot(msg string, slot int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Slot}.Sprint(fmt.Sprintf("slot[%d]", slot)))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithSlot(msg string, slot int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Slot}.Sprint(fmt.Sprintf("slot[%d]", slot)))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithSlot(msg string, slot int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Slot}.Sprint(fmt.Sprintf("slot[%d]", slot)))
	sl.logger.Error(styledMsg, args...)
}

// InfoSlotTransition logs a state machine transition for a slot.
func (sl *StyledLogger) InfoSlotTransition(slot int, from, to string, args ...any) {
	var toColor pterm.Color
	switch to {
	case "Idle":
		toColor = sl.theme.SlotIdle
	case "Failed":
		toColor = sl.theme.SlotFailed
	default:
		toColor = sl.theme.SlotBusy
	}

	styledMsg := fmt.Sprintf("%s %s -> %s",
		pterm.Style{sl.theme.Slot}.Sprint(fmt.Sprintf("slot[%d]", slot)),
		from,
		pterm.Style{toColor}.Sprint(to),
	)
	sl.logger.Debug(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// NewWithTheme creates both a regular logger and a styled logger
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logInstance, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logInstance, appTheme)

	return logInstance, styledLogger, cleanup, nil
}
