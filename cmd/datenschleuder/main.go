// Command datenschleuder runs the job engine: the schedule tick, the
// workers, the stale-run reaper and the admin commands that inspect them.
//
//	datenschleuder serve --config datenschleuder.yaml
//	datenschleuder worker --queues backup,network
//	datenschleuder admin queues
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
