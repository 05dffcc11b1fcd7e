package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hevysync.dev/agent/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("go: %s\n", info.GoVersion)
		fmt.Printf("module: %s %s\n", info.MainModule, info.MainVersion)
		if dep := version.GetDependency("hevysync.dev/agent"); dep != nil {
			fmt.Printf("hevysync.dev/agent: %s\n", dep.Version)
		}
		return nil
	},
}
