package bufferpool

import (
	"os"

	"github.com/martvanrijthoven/concurrent-buffer/internal/dispatcher"
	"github.com/martvanrijthoven/concurrent-buffer/internal/process"
	"github.com/martvanrijthoven/concurrent-buffer/internal/worker"
)

// Init must be the first call in main (and in TestMain of packages that
// start pools). In the parent it returns immediately. In a dispatcher or
// worker process started by a pool it runs that role and exits.
func Init() {
	if process.CurrentRole() == "" {
		return
	}
	os.Exit(process.Main(callbacks()))
}

// IsChild reports whether this process runs a pool role.
func IsChild() bool {
	return process.CurrentRole() != ""
}

func callbacks() process.Callbacks {
	return process.Callbacks{
		Dispatcher: func(name string, config []byte) (dispatcher.Producer, error) {
			return dispatchers.build(name, config)
		},
		Worker: func(name string, config []byte) (worker.Computer, error) {
			return workers.build(name, config)
		},
	}
}
