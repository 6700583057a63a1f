package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/ldso/internal/ldcache"
	"github.com/sliverarmory/ldso/ld"
)

var cacheCmd = &cobra.Command{
	Use:   "cache [file]",
	Short: "List the entries of a library cache",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ldcache.DefaultPath
		if len(args) == 1 {
			path = args[0]
		} else if cachePath != "" {
			path = cachePath
		}

		cache, err := ldcache.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ld.ErrCacheMap, err)
		}
		defer cache.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
		for _, entry := range cache.Entries() {
			kind := "libc4"
			if entry.IsELF() {
				kind = "ELF"
			}
			fmt.Fprintf(w, "\t%s\t(%s)\t=> %s\n", entry.SOName, kind, entry.Path)
		}
		return w.Flush()
	},
}
