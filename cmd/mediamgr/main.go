// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mediamgr",
		Short: "Media-file synchronisation service",
		Long: `mediamgr watches configured storages and mirrors their media files
into target storages, while driving thumbnail, preview and metadata
generation through an external media scanner.`,
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunDBCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("mediamgr %s", version)
			if commit != "" {
				cmd.Printf(" (%s)", commit)
			}
			if date != "" {
				cmd.Printf(" built %s", date)
			}
			cmd.Println()
		},
	}
}
