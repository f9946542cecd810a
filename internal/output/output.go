package output

import "github.com/MuchTitan/riptail/internal"

// Plugin receives tailed lines. Write may be called with events from many
// files interleaved; events from one file arrive in file order.
type Plugin interface {
	Name() string
	Init(config map[string]any) error
	Write(records []internal.Event) error
	Flush() error
	Exit() error
}

// Tracker is implemented by outputs that report on every tailed file,
// including files that never produced a line. Track is called once with the
// sorted registered paths before Exit.
type Tracker interface {
	Track(paths []string)
}
