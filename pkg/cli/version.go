package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func NewVersionCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version, build date, and git commit of vitune.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(root.OutputOptions())
		},
	}
}

type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GitCommit string `json:"gitCommit" yaml:"gitCommit"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
}

func printVersion(opts *OutputOptions) error {
	info := versionInfo{
		Version:   cliVersion,
		BuildDate: cliBuildDate,
		GitCommit: cliGitCommit,
		GoVersion: runtime.Version(),
	}

	if opts.Format == OutputJSON || opts.Format == OutputYAML {
		return PrintOutput(info, opts)
	}
	if opts.Quiet {
		return nil
	}
	fmt.Fprintf(opts.Writer, "vitune version %s\n", info.Version)
	fmt.Fprintf(opts.Writer, "  Commit: %s\n", info.GitCommit)
	fmt.Fprintf(opts.Writer, "  Built:  %s\n", info.BuildDate)
	fmt.Fprintf(opts.Writer, "  Go:     %s\n", info.GoVersion)
	return nil
}
