package main

import (
	"os"

	"github.com/modelmux/modelmux/cmd/mmx/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
