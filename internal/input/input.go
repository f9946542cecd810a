package input

import (
	"os"
	"sync"

	"github.com/MuchTitan/riptail/internal"
)

var hostname = sync.OnceValue(func() string {
	name, _ := os.Hostname()
	return name
})

// AddMetadata stamps the event with the emitting task and the local host.
func AddMetadata(event *internal.Event, taskID string) {
	event.Metadata.TaskID = taskID
	event.Metadata.Host = hostname()
}
