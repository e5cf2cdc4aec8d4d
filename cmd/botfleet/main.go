package main

import (
	"os"

	"github.com/ggoodman/botfleet/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
