package main

import (
	"github.com/JakeFAU/booth-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
