package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rootwatch",
	Short: "Rootwatch - recursive filesystem change notifications",
	Long: `Rootwatch watches directory trees and reports every file change under a
stable key made of the root's name and the file's path inside it.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}
