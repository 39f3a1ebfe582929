// blogctl publishes and manages posts on a kvblog server.
//
// Posts are read from a local directory of Markdown files with YAML front
// matter, rendered to HTML and uploaded through the authenticated API. The
// bearer token is minted locally from JWT_SECRET, so blogctl must run where
// that secret is available.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/eringen/kvblog"
	"github.com/eringen/kvblog/content"
)

// version is set at build time via ldflags.
var version = "dev"

type options struct {
	env     string
	config  string
	dir     string
	source  string
	tag     string
	subject string
	timeout time.Duration
	raw     bool
	verbose bool
}

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("blogctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.env, "env", "e", kvblog.EnvOr("BLOG_ENV", "production"), "target environment: production or preview")
	flagSet.StringVar(&opts.config, "config", "blogctl.jsonc", "environments file (JSON with comments)")
	flagSet.StringVar(&opts.dir, "dir", kvblog.EnvOr("POSTS_DIR", "posts"), "directory of local post sources")
	flagSet.StringVar(&opts.source, "source", "api", "read source for list and show: api, file or hybrid")
	flagSet.StringVar(&opts.tag, "tag", "", "only list posts with this tag")
	flagSet.StringVar(&opts.subject, "subject", kvblog.EnvOr("USER", "blogctl"), "token subject recorded by the server")
	flagSet.DurationVar(&opts.timeout, "timeout", content.DefaultTimeout, "hybrid source: how long to wait for the API before falling back")
	flagSet.BoolVar(&opts.raw, "raw", false, "publish: upload the Markdown source instead of rendered HTML")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log API requests")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printUsage(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(stdout, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("no command given")
	}
	cmd, rest := rest[0], rest[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "blogctl %s\n", version)
		return nil
	case "help":
		printUsage(stdout, flagSet)
		return nil
	}

	envs, err := loadEnvironments(opts.config)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	s := &session{
		opts:   opts,
		envs:   envs,
		http:   &http.Client{Timeout: requestTimeout},
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		stdout: stdout,
	}

	switch cmd {
	case "publish":
		return s.cmdPublish(ctx, rest)
	case "delete":
		return s.cmdDelete(ctx, rest)
	case "list":
		return s.cmdList(ctx, rest)
	case "show":
		return s.cmdShow(ctx, rest)
	case "update-tags":
		return s.cmdUpdateTags(ctx, rest)
	case "reconcile":
		return s.cmdReconcile(ctx, rest)
	}
	printUsage(stderr, flagSet)
	return fmt.Errorf("unknown command: %s", cmd)
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprint(w, `blogctl - publish and manage posts on a kvblog server

Usage:
  blogctl [flags] <command> [arguments]

Commands:
  publish [slug...]         Render local posts and upload them (all when no slug is given)
  delete <slug>...          Delete published posts
  list                      List posts with their date, title and tags
  show <slug>               Print a post's metadata and body
  update-tags <slug> [tag...]  Replace a published post's tags
  reconcile                 Repair index entries and records left by interrupted writes
  version                   Print the blogctl version
  help                      Show this help message

Environment:
  JWT_SECRET      HMAC secret shared with the server (required for mutations)
  JWT_ISSUER      token issuer, overrides the environments file
  BLOG_API_BASE   API base URL, overrides the environments file
  BLOG_ENV        default for --env

Examples:
  blogctl publish hello-world
  blogctl -e preview publish
  blogctl --source hybrid list --tag go
  blogctl update-tags hello-world go web

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
