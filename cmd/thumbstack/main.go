// Command thumbstack builds the thumbnail pipeline graph and hands it to a
// provisioning engine.
//
// Usage:
//
//	thumbstack build                    Synthesize the CloudFormation template
//	thumbstack lint                     Check the graph for issues
//	thumbstack graph -f mermaid         Render the dependency graph
//	thumbstack deploy                   Create or update the stack
//	thumbstack version                  Show version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/config"
	"github.com/lex00/thumbstack-go/internal/logging"
	"github.com/lex00/thumbstack-go/internal/stack"
)

// errIssuesFound makes the process exit with status 2, as lint tools do.
var errIssuesFound = errors.New("issues found")

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	variant    string
	logLevel   string
	logFormat  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errIssuesFound):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "thumbstack",
		Short: "Provision the thumbnail pipeline",
		Long: `thumbstack declares a thumbnail-generation pipeline (a photo bucket, a resize
handler, an optional thumbnail table and listing API) as a resource graph and
synthesizes it into a CloudFormation template or a Pulumi program.

Pick a preset with --variant, or describe the pipeline in a config file:

    variant        = "full"
    region         = "eu-west-3"
    thumbnail_size = 256

Then generate CloudFormation JSON:

    thumbstack build --config stack.hcl`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (.yaml, .yml or .hcl)")
	flags.StringVar(&opts.variant, "variant", "", "Pipeline preset: full or reduced")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(
		newBuildCmd(opts),
		newLintCmd(opts),
		newValidateCmd(opts),
		newGraphCmd(opts),
		newDiffCmd(opts),
		newListCmd(opts),
		newWatchCmd(opts),
		newDeployCmd(opts),
		newVerifyCmd(opts),
		newPulumiCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// load resolves the configuration and the logger. Flags win over the file.
func (o *globalOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath, o.variant)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// graph resolves the configuration and builds the pipeline graph.
func (o *globalOptions) graph() (*stack.Graph, *config.Config, *slog.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	// Builder errors are joined; callers report them one per line.
	g, err := stack.BuildPipelineWithLogger(cfg.Pipeline, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return g, cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "thumbstack %s\n", getVersion())
		},
	}
}
