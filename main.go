package main

import (
	"os"

	"dms/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
