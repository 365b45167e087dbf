package main

import (
	"github.com/JakeFAU/spiderhost/cmd"
)

func main() {
	cmd.Execute()
}
