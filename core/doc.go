// Package core defines the shared domain model of the assistant orchestration
// engine: sessions, messages, orchestration phases, the event union consumed
// by the phase machine, and the narrow capability interfaces (provider,
// command pipeline, repository, enrichment, validation) through which the
// engine talks to the outside world. It contains no I/O; concrete capability
// implementations live in their own packages (provider/*, pipeline,
// repository, enrichment).
package core
