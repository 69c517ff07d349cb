package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	a := newApp(os.Stdout, os.Stderr)
	cmd, err := a.run(os.Args[1:])
	if err != nil {
		if !errors.Is(err, errNoResults) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.CommandPath(), err)
		}
		os.Exit(1)
	}
}
