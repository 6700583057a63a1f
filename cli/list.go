package main

import (
	"github.com/spf13/cobra"

	"github.com/sliverarmory/ldso"
)

var listWarn bool

var listCmd = &cobra.Command{
	Use:   "list <program>",
	Short: "Print the libraries a program would load, like LD_TRACE_LOADED_OBJECTS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := commandConfig(cmd)
		if err != nil {
			return err
		}
		defer done()

		cfg.Trace = true
		cfg.Warn = cfg.Warn || listWarn
		program, err := ldso.Load(args[0], cfg)
		if err != nil {
			return err
		}
		return program.Close()
	},
}

func init() {
	listCmd.Flags().BoolVar(&listWarn, "warn", false, "Also relocate and report unresolved symbols")
}
