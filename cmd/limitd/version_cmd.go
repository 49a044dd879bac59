package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = ""

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the limitd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version
			if v == "" {
				if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
					v = info.Main.Version
				} else {
					v = "devel"
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}
