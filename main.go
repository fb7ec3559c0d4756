// The main package for the mpcrawl executable.
package main

import (
	"os"

	"github.com/qiwenli/mpcrawl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
