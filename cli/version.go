package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"phimask.evalgo.org/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			data, err := json.MarshalIndent(version.GetBuildInfo(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "phimask %s (%s, %s)\n",
			version.GetVersion(), info.GoVersion, info.MainModule)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "emit build information as JSON")
}
