// Package monitor distributes build progress events to pluggable
// subscribers, off the builder's critical path. Delivery is
// fire-and-forget: a slow or panicking monitor never stalls or fails
// the build that feeds it.
package monitor

import (
	"time"

	"github.com/google/uuid"
)

// Event describes the progress of one shard of a cache build, or the
// completion of the whole build (Shard == "" and Finished == true).
type Event struct {
	BuildID       uuid.UUID
	Shard         string
	RowsProcessed int64
	ChunksSealed  int64
	Finished      bool
	Err           string
	Elapsed       time.Duration
}

// Monitor receives build events in emission order. OnEvent has no
// return value; errors must be handled (or swallowed) by the monitor
// itself, and panics are recovered by the bus.
type Monitor interface {
	OnEvent(ev Event)
}

// MonitorFunc adapts a plain function to the Monitor interface.
type MonitorFunc func(ev Event)

func (f MonitorFunc) OnEvent(ev Event) { f(ev) }
