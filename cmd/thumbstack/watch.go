package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lex00/thumbstack-go/internal/lint"
	"github.com/lex00/thumbstack-go/internal/template"
)

// newWatchCmd creates the "watch" subcommand for rebuilding on config changes.
func newWatchCmd(opts *globalOptions) *cobra.Command {
	var wopts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild when the config file changes",
		Long: `Watch monitors the config file and its .env file and rebuilds on change.

The watch command:
- Runs lint on each change
- Rebuilds the template if lint passes (unless --lint-only)
- Debounces rapid changes to avoid excessive rebuilds

Examples:
    thumbstack watch --config stack.yaml
    thumbstack watch --config stack.hcl --lint-only
    thumbstack watch --config stack.yaml -o template.json --debounce 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				return fmt.Errorf("watch requires --config")
			}
			return runWatch(cmd.Context(), cmd.OutOrStdout(), opts, wopts)
		},
	}

	cmd.Flags().BoolVar(&wopts.lintOnly, "lint-only", false, "Only run lint, skip build")
	cmd.Flags().DurationVar(&wopts.debounce, "debounce", 500*time.Millisecond, "Debounce duration for rapid changes")
	cmd.Flags().StringVarP(&wopts.outputFormat, "format", "f", "json", "Output format for build: json or yaml")
	cmd.Flags().StringVarP(&wopts.outputFile, "output", "o", "", "Output file for build (default: stdout)")

	return cmd
}

type watchOptions struct {
	lintOnly     bool
	debounce     time.Duration
	outputFormat string
	outputFile   string
}

// watchedFiles returns the directory to watch and the files in it whose
// changes trigger a rebuild.
func watchedFiles(configPath string) (string, map[string]bool, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", nil, err
	}
	dir := filepath.Dir(abs)
	return dir, map[string]bool{
		abs:                        true,
		filepath.Join(dir, ".env"): true,
	}, nil
}

// runWatch rebuilds on changes until ctx is cancelled.
func runWatch(ctx context.Context, w io.Writer, opts *globalOptions, wopts watchOptions) error {
	dir, files, err := watchedFiles(opts.configPath)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Editors replace files on save, so watch the directory and filter.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	fmt.Fprintf(w, "Watching: %s\n", opts.configPath)

	fmt.Fprintln(w, "Running initial lint/build...")
	runLintAndBuild(w, opts, wopts)

	var debounceTimer *time.Timer
	rebuildChan := make(chan struct{}, 1)

	fmt.Fprintln(w, "\nWatching for changes... (Ctrl+C to stop)")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[event.Name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(wopts.debounce, func() {
				select {
				case rebuildChan <- struct{}{}:
				default:
				}
			})

		case <-rebuildChan:
			fmt.Fprintf(w, "\n[%s] Change detected, rebuilding...\n", time.Now().Format("15:04:05"))
			runLintAndBuild(w, opts, wopts)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "Watch error: %v\n", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			fmt.Fprintln(w, "\nStopping watch...")
			return nil
		}
	}
}

// runLintAndBuild reports failures instead of returning them so the watch
// loop keeps running.
func runLintAndBuild(w io.Writer, opts *globalOptions, wopts watchOptions) bool {
	g, _, _, err := opts.graph()
	if err != nil {
		for _, line := range errorLines(err) {
			fmt.Fprintf(w, "  %s\n", line)
		}
		fmt.Fprintln(w, "Build failed")
		return false
	}

	result := lint.LintGraph(g, lint.Options{})
	for _, issue := range result.Issues {
		fmt.Fprintf(w, "  %s: %s: %s [%s]\n", issue.File, lint.SeverityName(issue.Severity), issue.Message, issue.Rule)
	}
	if !result.Success {
		fmt.Fprintln(w, "Lint failed, skipping build")
		return false
	}
	fmt.Fprintln(w, "Lint passed")

	if wopts.lintOnly {
		return true
	}

	tmpl, err := template.Synthesize(g)
	if err != nil {
		fmt.Fprintf(w, "Build failed: %v\n", err)
		return false
	}
	if err := writeTemplate(w, tmpl, wopts.outputFormat, wopts.outputFile); err != nil {
		fmt.Fprintf(w, "Build failed: %v\n", err)
		return false
	}
	if wopts.outputFile != "" {
		fmt.Fprintf(w, "Build succeeded: %s\n", wopts.outputFile)
	}
	return true
}
