package router

import (
	"time"

	"go.uber.org/zap"
)

// Invocation identifies one in-flight tool call for observers.
type Invocation struct {
	ID      string
	ToolID  string
	Args    map[string]any
	Started time.Time
}

// Observer receives synchronous callbacks around each invocation. Observers
// are injected at construction; implementations must be fast and must not
// block, since they run on the caller's path.
type Observer interface {
	InvocationStarted(inv Invocation)
	InvocationFinished(inv Invocation, resp Response)
}

// LogObserver logs invocation start/end with timing.
type LogObserver struct {
	logger *zap.SugaredLogger
}

// NewLogObserver creates an observer that logs through the given logger.
func NewLogObserver(logger *zap.SugaredLogger) *LogObserver {
	return &LogObserver{logger: logger}
}

// InvocationStarted implements Observer.
func (o *LogObserver) InvocationStarted(inv Invocation) {
	o.logger.Debugw("tool invocation started", "invocation", inv.ID, "tool", inv.ToolID)
}

// InvocationFinished implements Observer.
func (o *LogObserver) InvocationFinished(inv Invocation, resp Response) {
	if resp.OK {
		o.logger.Infow("tool invocation finished",
			"invocation", inv.ID, "tool", inv.ToolID, "duration", resp.Duration)
		return
	}
	o.logger.Warnw("tool invocation failed",
		"invocation", inv.ID, "tool", inv.ToolID, "kind", string(resp.Kind),
		"error", resp.Error, "duration", resp.Duration)
}
