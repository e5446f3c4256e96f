package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/spectree/internal/version"
)

var versionLong bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		if versionLong {
			fmt.Println(version.Long())
			return
		}
		fmt.Printf("spectree version %s\n", version.Get())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionLong, "long", false, "Include Go version and platform")
}
