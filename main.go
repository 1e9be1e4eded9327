// The main package for the discovery-crawler executable.
package main

import (
	"github.com/JakeFAU/discovery-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
