// Package audit dispatches audit events for login, lockout and verification
// outcomes to pluggable sinks.
//
// [Dispatcher] is a buffered asynchronous relay with drop-if-full or
// block-if-full behaviour. Sinks include a channel, a JSON line writer, a zap
// logger and [MultiSink] for fan-out. Deciding which events to emit is the
// engine's job, not this package's.
package audit
