// Package logging provides concrete implementations of the pgguard.Logger interface.
//
// Available implementations:
//   - ZapLogger: structured logging through go.uber.org/zap (console or JSON)
//   - NullLogger: Discards all messages (useful for testing)
//
// All logger implementations are safe for concurrent use by multiple goroutines.
package logging
