package tail

import "time"

// State is the read position of one tailed file. It is owned by its Task.
type State struct {
	Path         string
	Offset       uint64
	LineNum      int
	LastActivity time.Time
}
