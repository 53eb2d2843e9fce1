package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/coder/scrobble/cli"
)

func main() {
	err := cli.Root().Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
