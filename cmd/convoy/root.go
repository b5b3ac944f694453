// README: Root cobra command and persistent flags.
package main

import "github.com/spf13/cobra"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "convoy",
	Short:        "Dispatch and real-time matching engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file (default $CONVOY_CONFIG)")
}
