package telemetry

import "context"

// NoOpExporter is a metrics recorder that does nothing.
type NoOpExporter struct{}

// NewNoOpExporter creates a new no-op exporter for graceful degradation.
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (NoOpExporter) SessionCreated(context.Context)         {}
func (NoOpExporter) Decision(context.Context, string)       {}
func (NoOpExporter) WarningCharged(context.Context, string) {}
func (NoOpExporter) Terminated(context.Context, string)     {}

func (NoOpExporter) Close(context.Context) error {
	return nil
}
