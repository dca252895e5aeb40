// Command bitnet-chat loads a model and streams one chat reply to stdout.
//
//	bitnet-chat [flags] <model-path-or-url> <prompt>
//
// Load progress is written to stderr. The exit status is 1 when arguments are
// wrong or the model fails to load, otherwise the chat status code.
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
