package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bulk-squeeze/internal/bundle"
	"bulk-squeeze/internal/codec"
	"bulk-squeeze/internal/compressor"
	"bulk-squeeze/internal/config"
	"bulk-squeeze/internal/logger"
	"bulk-squeeze/internal/metadata"
	"bulk-squeeze/internal/report"
	"bulk-squeeze/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	quality     int
	outDir      string
	archiveName string
	reportPath  string
	unpack      bool
	workers     int
	verbose     bool
	quiet       bool
	port        int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "bulk-squeeze [paths...]",
	Short: "Compress a batch of JPEG and PNG images",
	Long: `BulkSqueeze compresses a set of JPEG and PNG images with one quality knob
and packages the results: a single file stays a single file, several files
become a zip archive.

Features:
- One 0-100 quality knob mapped onto each codec's own parameters
- Lossless PNG recompression with a decode and re-encode fallback
- A file never grows: outputs that are not smaller keep the original bytes
- Results ranked by how much each file shrank
- JSON or YAML batch reports`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// inspectCmd prints what the tool knows about a single image.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format and metadata of an image",
	Long: `Shows the detected format, the EXIF summary and whether the file already
carries the compression marker. When exiftool is installed every tag it
reports is listed as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the web front end.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts an HTTP server that accepts multipart uploads on /api/compress and
streams batch events over /ws.

Listens on http://localhost:<port> (default: server.port from config)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().IntVarP(&quality, "quality", "q", 60, "quality knob, 0 (best quality) to 100 (smallest files)")
	rootCmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: output_directory from config)")
	rootCmd.Flags().StringVar(&archiveName, "archive", "", "archive file name for multi-file batches")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "write a batch report to this file (.json or .yaml)")
	rootCmd.Flags().BoolVar(&unpack, "unpack", false, "write every compressed file individually instead of one bundle")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent workers (default: processing.workers from config)")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress collects the inputs, runs one batch and writes its outputs.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("quality") {
		cfg.Quality = quality
	}
	if outDir != "" {
		cfg.OutputDirectory = outDir
	}
	if archiveName != "" {
		cfg.Bundle.ArchiveName = archiveName
	}
	if workers > 0 {
		cfg.Processing.Workers = workers
	}

	log := setupLogger(cfg)

	inputs := args
	if len(inputs) == 0 {
		inputs = []string{"."}
	}
	paths, err := compressor.CollectImageFiles(inputs, cfg.SupportedExtensions)
	if err != nil {
		return err
	}
	paths, err = skipOutputDirectory(paths, cfg.OutputDirectory)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images found in %v", inputs)
	}

	images, err := compressor.LoadInputImages(paths, commonBase(inputs))
	if err != nil {
		return err
	}
	sources := make(map[string]string, len(images))
	for i, img := range images {
		sources[img.Identifier] = paths[i]
	}
	if cfg.Processing.SkipMarked {
		images = dropMarked(images, log)
		if len(images) == 0 {
			fmt.Fprintln(os.Stderr, "All images already carry the compression marker, nothing to do")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := compressor.NewOrchestrator(log, compressor.WithWorkers(cfg.Processing.Workers))
	batch, err := orch.RunBatch(ctx, images, cfg.Quality)
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	if reportPath != "" {
		if err := writeReport(reportPath, cfg.Report.Format, batch); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var written []string
	if unpack {
		written, err = writeOutcomes(ctx, cfg, batch, sources, log)
	} else {
		written, err = writeBundle(ctx, cfg, batch, sources, log)
	}
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Println("\n" + batch.Stats.GetSummary())
		if batch.Stats.GetFilesFailed() > 0 {
			fmt.Println(batch.Stats.GetErrorSummary())
		}
		for _, p := range written {
			fmt.Printf("Wrote %s\n", p)
		}
	}
	return nil
}

// writeBundle packages the batch and writes the single file or the archive.
func writeBundle(ctx context.Context, cfg *config.Config, batch *compressor.Batch, sources map[string]string, log *logrus.Logger) ([]string, error) {
	policy, err := bundle.ParsePolicy(cfg.Bundle.CollisionPolicy)
	if err != nil {
		return nil, err
	}
	method, err := bundle.ParseMethod(cfg.Bundle.ZipMethod)
	if err != nil {
		return nil, err
	}
	packager := &bundle.Packager{Policy: policy, Method: method}

	b, err := packager.Package(batch)
	if err != nil {
		return nil, fmt.Errorf("packaging failed: %w", err)
	}

	target := filepath.Join(cfg.OutputDirectory, b.Filename(cfg.Bundle.ArchiveName))
	f, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := b.WriteTo(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", target, err)
	}

	if b.Kind == bundle.KindSingle {
		stampOutput(ctx, cfg, b.Single().Format, sources[b.Single().Name], target, log)
	}
	return []string{target}, nil
}

// writeOutcomes writes every outcome under the output directory, keeping the
// identifier's relative layout.
func writeOutcomes(ctx context.Context, cfg *config.Config, batch *compressor.Batch, sources map[string]string, log *logrus.Logger) ([]string, error) {
	written := make([]string, 0, batch.Len())
	for _, out := range batch.Outcomes {
		target := filepath.Join(cfg.OutputDirectory, filepath.FromSlash(bundle.CleanName(out.Identifier)))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return written, fmt.Errorf("create directory for %s: %w", target, err)
		}
		if err := os.WriteFile(target, out.Data, 0644); err != nil {
			return written, fmt.Errorf("write %s: %w", target, err)
		}
		stampOutput(ctx, cfg, out.Format, sources[out.Identifier], target, log)
		written = append(written, target)
	}
	return written, nil
}

// stampOutput copies the source's tags onto a written JPEG and marks it.
// Failures are logged; the compressed file is kept either way.
func stampOutput(ctx context.Context, cfg *config.Config, format codec.Format, src, dst string, log *logrus.Logger) {
	if !cfg.Processing.PreserveMetadata || format != codec.FormatJPEG || src == "" {
		return
	}
	if !metadata.Available() {
		logger.WithFile(log, dst).Warn("exiftool not found, metadata not preserved")
		return
	}
	if err := metadata.Stamp(ctx, src, dst); err != nil {
		logger.WithFileOperation(log, dst, "stamp").WithError(err).Warn("Failed to preserve metadata")
	}
}

// dropMarked removes JPEGs that already carry the compression marker.
func dropMarked(images []compressor.InputImage, log *logrus.Logger) []compressor.InputImage {
	kept := images[:0:0]
	for _, img := range images {
		if codec.Resolve(img.Format, img.Data) == codec.FormatJPEG && metadata.HasMarker(img.Data) {
			logger.WithFile(log, img.Identifier).Info("Skipping already compressed image")
			continue
		}
		kept = append(kept, img)
	}
	return kept
}

func writeReport(path, configured string, batch *compressor.Batch) error {
	name := filepath.Ext(path)
	if name == "" {
		name = configured
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, batch, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}

// runInspect prints the format and metadata of one file.
func runInspect(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	format := codec.Resolve(codec.ParseFormat(filepath.Ext(filePath)), data)
	fmt.Printf("File:   %s\n", filePath)
	fmt.Printf("Format: %s (%s)\n", format, format.Kind())
	fmt.Printf("Size:   %d bytes\n", len(data))
	fmt.Printf("Marked: %v\n", metadata.HasMarker(data))

	if info, err := metadata.Inspect(data); err != nil {
		fmt.Printf("EXIF:   none (%v)\n", err)
	} else {
		fmt.Printf("Software:    %s\n", info.Software)
		fmt.Printf("Camera:      %s %s\n", info.Make, info.Model)
		fmt.Printf("Orientation: %d\n", info.Orientation)
		if info.DateTime != nil {
			fmt.Printf("Date:        %s\n", info.DateTime.Format("2006-01-02 15:04:05"))
		}
	}

	if !metadata.Available() {
		return nil
	}
	fields, err := metadata.Fields(filePath)
	if err != nil {
		fmt.Printf("exiftool: %v\n", err)
		return nil
	}
	fmt.Println("\nAll tags:")
	for _, f := range fields {
		fmt.Printf("  %-32s %v\n", f.Name, f.Value)
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	server, err := web.NewServer(cfg, log)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("BulkSqueeze server started on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := cfg.LoggerConfig(!quiet)

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// commonBase returns the directory identifiers are made relative to: the
// input itself when a single directory is given, otherwise none.
func commonBase(inputs []string) string {
	if len(inputs) == 1 && dirExists(inputs[0]) {
		return inputs[0]
	}
	return ""
}

// skipOutputDirectory drops files that live under the output directory so a
// rerun does not compress its own results.
func skipOutputDirectory(paths []string, out string) ([]string, error) {
	absOut, err := filepath.Abs(out)
	if err != nil {
		return nil, err
	}
	kept := paths[:0:0]
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if rel, err := filepath.Rel(absOut, abs); err == nil && filepath.IsLocal(rel) {
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
