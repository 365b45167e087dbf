// The main package for the spiderhost executable.
package main

import (
	"github.com/JakeFAU/spiderhost/cmd"
)

func main() {
	cmd.Execute()
}
