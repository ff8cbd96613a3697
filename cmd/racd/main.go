package main

import (
	"os"

	"github.com/kickboxer/racdb/cmd/racd/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
