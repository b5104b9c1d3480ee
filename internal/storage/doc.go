// Package storage persists campaign outcomes and consumed batch ids.
//
// It currently supports:
//   - Campaign outcome appends (one record per finished run)
//   - Consumed-batch markers (to survive restarts)
package storage
