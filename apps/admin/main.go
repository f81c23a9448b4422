package main

import (
	"fmt"
	"os"
)

func main() {
	cli := &commandLine{out: os.Stdout}
	err := cli.run(os.Args)
	cli.close()

	if err != nil {
		if err != errHelp && err != errFailed {
			_, _ = fmt.Fprintf(os.Stderr, "\nerror: %s\n", cli.errorMessage(err))
		}
		os.Exit(1)
	}
}
