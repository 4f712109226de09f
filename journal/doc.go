// Package journal persists every event published on the bus.
//
// Supported backends:
//   - memory: bounded in-process buffer (default)
//   - redis: one Redis Stream entry per event
//   - sql: gorm table journal_events (postgres / mysql / sqlite)
//   - mongo: one document per event
package journal
