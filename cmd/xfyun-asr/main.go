package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "xfyun-asr",
	Short:         "Streaming speech recognition against the iFlytek IAT service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("XFYUN_CONFIG"), "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress the startup banner")

	listenCmd.Flags().Bool("continuous", false, "start a new cycle whenever the server ends an utterance")
	transcribeCmd.Flags().Bool("realtime", true, "pace the file at its own speed")
	transcribeCmd.Flags().StringP("output", "o", "", "also write the final transcript to this file")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(signURLCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
