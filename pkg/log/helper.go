package log

import (
	"fmt"
	stdlog "log"
)

// MustInit opens <app>.db in the app directory or exits.
func MustInit(app string, console bool) {
	if err := Init(fmt.Sprintf("%s.db", app), console); err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize logger: %v\n", err)
	}
}
