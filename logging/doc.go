// Package logging contains the logging abstractions of the assistant engine.
//
// The Logger interface keeps orchestration code independent from any concrete
// logging framework; SlogAdapter bridges to the standard library's log/slog
// and NoOpLogger disables output entirely (the default in tests).
package logging
