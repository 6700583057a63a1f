package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sliverarmory/ldso/ld"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		msg := err.Error()
		if prefix := rootCmd.Name() + ": "; !strings.HasPrefix(msg, prefix) {
			msg = prefix + msg
		}
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(ld.ExitCode(err))
	}
}
