package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called if a sanity check has failed, indicating a bug in
// the disk I/O core rather than a caller mistake or a disk failure. Critical
// prints the call stack before panicking in debug builds so that invariant
// violations in the block cache and scheduler are never silently ignored.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "This indicates a bug in the disk I/O core.\n"
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe is called for problems that are likely caused by the disk or the
// environment (I/O errors, out-of-memory) rather than a programming mistake.
// Severe does not panic outside of debug builds.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
