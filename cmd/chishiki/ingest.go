package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// fileFilter selects files by doublestar patterns matched against the path relative to the
// walked root, using forward slashes.
type fileFilter struct {
	includes  []string
	excludes  []string
	recursive bool
}

func newFileFilter(includes, excludes string, recursive bool) (*fileFilter, error) {
	f := &fileFilter{
		includes:  splitPatterns(includes),
		excludes:  splitPatterns(excludes),
		recursive: recursive,
	}
	if len(f.includes) == 0 {
		f.includes = []string{"**/*"}
	}
	for _, p := range append(append([]string(nil), f.includes...), f.excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return f, nil
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *fileFilter) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	included := false
	for _, p := range f.includes {
		if ok, _ := doublestar.Match(p, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range f.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// collect expands paths into a sorted list of files. Files named directly are kept
// regardless of patterns; directories are walked, skipping hidden entries.
func (f *fileFilter) collect(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, p := range paths {
		root, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if !f.recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if f.matches(rel) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

type ingestSummary struct {
	Ingested int
	Skipped  int
	Failed   int
}

// ingestFunc ingests one file; skipped is true when the content is already indexed.
type ingestFunc func(ctx context.Context, path string) (doc *models.Document, skipped bool, err error)

func ingestAll(ctx context.Context, files []string, ingest ingestFunc, progress io.Writer, logger *zap.Logger) ingestSummary {
	var summary ingestSummary
	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(progress)
			}),
		)
	}
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if bar != nil {
			bar.Describe("[cyan]Ingesting[reset] " + utils.Truncate(filepath.Base(path), 30))
		}
		doc, skipped, err := ingest(ctx, path)
		switch {
		case err != nil:
			summary.Failed++
			logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
		case skipped:
			summary.Skipped++
		case doc != nil && doc.Status == models.StatusFailed:
			summary.Failed++
			logger.Warn("ingest failed", zap.String("path", path), zap.String("error", doc.ErrorMessage))
		default:
			summary.Ingested++
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return summary
}

func runIngest() {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	serverURL := flags.String("server", "", "upload to a running server instead of ingesting directly")
	include := flags.String("include", "", "comma-separated glob patterns to include, e.g. \"**/*.md,docs/**/*.pdf\"")
	exclude := flags.String("exclude", "", "comma-separated glob patterns to exclude")
	recursive := flags.Bool("recursive", true, "descend into subdirectories")
	quiet := flags.Bool("quiet", false, "do not show a progress bar")
	_ = flags.Parse(searchArgsReorder(os.Args[2:]))

	if flags.NArg() < 1 {
		fmt.Println("Usage: chishiki ingest [flags] <file-or-directory>...")
		os.Exit(1)
	}
	filter, err := newFileFilter(*include, *exclude, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	files, err := filter.collect(flags.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to collect files: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Println("No matching files.")
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newCLILogger(cfg)
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	var progress io.Writer = os.Stderr
	if *quiet {
		progress = nil
	}

	var summary ingestSummary
	if *serverURL != "" {
		client := newAPIClient(*serverURL, cfg.Server.RequestTimeout)
		summary = ingestAll(ctx, files, func(ctx context.Context, path string) (*models.Document, bool, error) {
			doc, err := client.Upload(ctx, path)
			return doc, false, err
		}, progress, logger)
		fmt.Printf("Queued %d file(s), %d failed\n", summary.Ingested, summary.Failed)
	} else {
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		builder := components.Builder
		var accepted []string
		for _, f := range files {
			if builder.Accepts(f) {
				accepted = append(accepted, f)
			} else {
				logger.Debug("unsupported file skipped", zap.String("path", f))
			}
		}
		if len(accepted) == 0 {
			fmt.Printf("No supported files (supported: %s)\n", strings.Join(components.Parsers.Supported(), ", "))
			components.Close()
			return
		}
		summary = ingestAll(ctx, accepted, builder.IngestFile, progress, logger)
		summary.Skipped += len(files) - len(accepted)
		components.Close()
		fmt.Printf("Ingested %d file(s), %d skipped, %d failed\n", summary.Ingested, summary.Skipped, summary.Failed)
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
