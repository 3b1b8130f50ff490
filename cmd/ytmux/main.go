package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/ytget/ytmux"
	"github.com/ytget/ytmux/internal/config"
	"github.com/ytget/ytmux/internal/server"
	"github.com/ytget/ytmux/types"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve              run the HTTP delivery server")
	fmt.Fprintln(os.Stderr, "  get [flags] <url>  produce one artifact and copy it out")
	fmt.Fprintln(os.Stderr, "  formats <url>      list the formats offered for a video")
	fmt.Fprintln(os.Stderr, "\nSettings are read from the environment and an optional .env file (YTMUX_ENV_FILE).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("YTMUX_ENV_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, args)
	case "get":
		err = runGet(ctx, cfg, args)
	case "formats":
		err = runFormats(ctx, cfg, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	fs.StringVar(&cfg.ScratchDir, "scratch", cfg.ScratchDir, "Artifact directory")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "Artifact retention after finalize")
	_ = fs.Parse(args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a.orch, a.store).
		WithLimiter(a.limiter).
		WithAllowedOrigins(cfg.AllowedOrigins)
	return srv.Run(ctx, cfg.Addr)
}

func runGet(ctx context.Context, cfg *config.Config, args []string) error {
	var (
		flagQuality    string
		flagOutput     string
		flagNoProgress bool
		flagRateLimit  string
	)
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.StringVar(&flagQuality, "quality", string(types.QualityMedium), "Quality tier: low, medium, high, audio_only")
	fs.StringVar(&flagOutput, "output", ".", "Directory or file path for the artifact copy")
	fs.BoolVar(&flagNoProgress, "no-progress", false, "Disable progress output")
	fs.StringVar(&flagRateLimit, "rate-limit", "", "Download rate limit (e.g., 2MiB/s, 500KiB/s)")
	fs.StringVar(&cfg.ScratchDir, "scratch", cfg.ScratchDir, "Artifact directory")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing url")
	}
	q, err := types.ParseQuality(flagQuality)
	if err != nil {
		return err
	}
	if flagRateLimit != "" {
		if cfg.RateLimit, err = config.ParseRate(flagRateLimit); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []ytmux.ExecuteOption
	var done chan struct{}
	if !flagNoProgress {
		feed := ytmux.NewFeed(256)
		done = make(chan struct{})
		go func() {
			defer close(done)
			printProgress(os.Stdout, feed.Events())
		}()
		defer func() {
			feed.Close()
			<-done
		}()
		opts = append(opts, ytmux.WithEvents(feed))
	}

	art, err := a.orch.Execute(ctx, strings.TrimSpace(fs.Arg(0)), q, opts...)
	if err != nil {
		return err
	}
	dest, err := copyOut(a, art, flagOutput)
	if err != nil {
		return err
	}
	reused := ""
	if art.Reused {
		reused = " (reused)"
	}
	_, _ = fmt.Fprintf(os.Stdout, "\nSaved: %s, %s%s\n", dest, humanize.Bytes(uint64(art.Size)), reused)
	return nil
}

func runFormats(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("formats", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing url")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.orch.Resolve(ctx, strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s (%s)\n\n", info.Title, info.Duration)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tEXT\tRESOLUTION\tVCODEC\tACODEC\tSIZE\tNOTE")
	for _, f := range info.Formats {
		size := "-"
		if f.Size > 0 {
			size = humanize.Bytes(uint64(f.Size))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Container, f.Resolution(), f.VideoCodec, f.AudioCodec, size, f.Note)
	}
	return tw.Flush()
}

// copyOut copies the stored artifact to output, which may be a directory.
func copyOut(a *app, art *types.Artifact, output string) (string, error) {
	dest := output
	if isDir(dest) {
		dest = filepath.Join(dest, art.Name)
	}
	src, _, err := a.store.Open(art.Name)
	if err != nil {
		return "", err
	}
	defer src.Close()

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return "", err
	}
	return dest, f.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
