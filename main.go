// The main package for the feedcache executable.
package main

import (
	"github.com/JakeFAU/feedcache/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
