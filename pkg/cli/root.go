package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jguan/vitune/pkg/config"
	"github.com/jguan/vitune/pkg/infra/logger"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd       *cobra.Command
	cfg       *config.Config
	opts      *OutputOptions
	formatStr string
	v         *viper.Viper
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		opts: NewOutputOptions(),
		v:    viper.New(),
	}

	cmd := &cobra.Command{
		Use:   "vitune",
		Short: "vitune - multimodal instruction tuning",
		Long: `vitune fine-tunes a vision-language model on instruction data.

It runs the training loop across in-process workers, checkpoints every
epoch, resumes interrupted runs and records metrics to a local run store.`,
		PersistentPreRunE: root.persistentPreRunE,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&root.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (TOML)")
	pflags.String("log-level", "", "Override logging.level")

	root.v.SetEnvPrefix("VITUNE")
	root.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	root.v.AutomaticEnv()
	_ = root.v.BindPFlag("config", pflags.Lookup("config"))
	_ = root.v.BindPFlag("log-level", pflags.Lookup("log-level"))

	root.cmd = cmd
	root.addSubCommands()
	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	format, err := ParseOutputFormat(r.formatStr)
	if err != nil {
		return err
	}
	r.opts.Format = format
	r.opts.Writer = cmd.OutOrStdout()
	r.opts.ErrWriter = cmd.ErrOrStderr()

	r.cfg, err = config.Read(r.v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := r.v.GetString("log-level"); lvl != "" {
		r.cfg.Logging.Level = lvl
	}

	logCfg := logger.Config{
		Level:  r.cfg.Logging.Level,
		Format: r.cfg.Logging.Format,
		File:   r.cfg.Logging.File,
	}
	if logCfg.File == "" {
		logCfg.Output = cmd.ErrOrStderr()
	}
	if err := logger.Init(logCfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewTrainCommand(r))
	r.cmd.AddCommand(NewScheduleCommand(r))
	r.cmd.AddCommand(NewMaskCommand(r))
	r.cmd.AddCommand(NewCheckpointCommand(r))
	r.cmd.AddCommand(NewRunsCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutput(out, errOut io.Writer) {
	r.cmd.SetOut(out)
	r.cmd.SetErr(errOut)
}

func (r *RootCommand) SetArgs(args []string) {
	r.cmd.SetArgs(args)
}

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// Execute runs the CLI and exits 1 on error. SIGINT and SIGTERM cancel the
// command context so a training run stops at its next step.
func Execute() {
	root := NewRootCommand()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(err, root.OutputOptions())
		cancel()
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}

func GetBuildDate() string {
	return cliBuildDate
}

func GetGitCommit() string {
	return cliGitCommit
}
