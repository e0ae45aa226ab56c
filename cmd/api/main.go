package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "clawstream",
	Short: "Clawstream broadcast hub",
	Long:  `Clawstream relays a live stream's frames, chat and speech transcripts to connected claw agents.`,
	// 不带子命令时直接启动服务
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfgFile)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawstream v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./clawstream.yaml when present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
