// The main package for the mwoffliner executable.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/openzim/mwoffliner/cmd"
)

// main defers all execution to the Cobra CLI. A last-resort recover turns a
// panic on the main goroutine into exit code 42 with the stack on stderr;
// panics raised in worker goroutines are not recovered here.
func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "uncaught error: %v\n%s", r, debug.Stack())
			os.Exit(42)
		}
	}()
	cmd.Execute()
}
