package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/ldso"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <program>",
	Short: "Load a program without running it and dump the module list and debugger records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, done, err := commandConfig(cmd)
		if err != nil {
			return err
		}
		defer done()

		program, err := ldso.Load(args[0], cfg)
		if err != nil {
			return err
		}
		defer func() { err = closeAfter(err, program.Close) }()

		entries, err := program.DebugList()
		if err != nil {
			return fmt.Errorf("read link map: %w", err)
		}

		dump := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}
		out := cmd.OutOrStdout()
		for _, module := range program.Modules() {
			fmt.Fprintf(out, "%s (%s) base=0x%08x offset=0x%08x\n", module.Path, module.Kind, module.Base, module.Offset)
			dump.Fdump(out, module.Dynamic)
		}
		fmt.Fprintln(out, "link map:")
		dump.Fdump(out, entries)
		return nil
	},
}
