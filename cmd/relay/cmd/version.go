package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and BuildTime are set at build time with
// -ldflags "-X github.com/talosh/websocket-relay/cmd/relay/cmd.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func versionString() string {
	return fmt.Sprintf("%s (built %s)", Version, BuildTime)
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of relay",
	Long:  `All software has versions. This is relay's`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
	},
}
