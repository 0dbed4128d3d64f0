package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/hanpama/gqlguard/internal/config"
	"github.com/hanpama/gqlguard/internal/eventbus"
	"github.com/hanpama/gqlguard/internal/language"
	"github.com/hanpama/gqlguard/internal/limits"
	"github.com/hanpama/gqlguard/internal/log"
	"github.com/hanpama/gqlguard/internal/metrics"
	"github.com/hanpama/gqlguard/internal/otel"
	"github.com/hanpama/gqlguard/internal/server"
	"github.com/hanpama/gqlguard/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

const rootUsage = `gqlguard: GraphQL query depth and cost guard

USAGE:
  gqlguard <command> [flags]

COMMANDS:
  serve            Run the HTTP guard in front of an upstream GraphQL server
  check            Report depth and node count of a query document
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML configuration file
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -limits.depth <n>                   Maximum operation depth, 0 disables (default: 0)
  -limits.nodes <n>                   Maximum fetched nodes per operation, 0 disables (default: 0)
  -limits.pagination-arg <name>       Pagination argument name. Repeatable (default: first, last)
  -upstream.url <url>                 Upstream GraphQL endpoint (required)
  -otel.endpoint <addr>               OTLP collector endpoint
  -v <level>                          Log verbosity (default: 0)
  Flags override values from -config.
`

const checkUsage = `check FLAGS:
  -query <file>            GraphQL document to analyze (required, - for stdin)
  -variables <file>        JSON object with variable values
  -limits.depth <n>        Maximum operation depth, 0 disables
  -limits.nodes <n>        Maximum fetched nodes per operation, 0 disables
  -json                    Print the report as JSON
  (Exits non-zero when a limit is exceeded)
`

// errLimitsExceeded is returned by check after the report has been printed.
var errLimitsExceeded = errors.New("limits exceeded")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errLimitsExceeded) {
			fmt.Fprintln(os.Stderr, "gqlguard:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("gqlguard", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs, stderr)
	case "check":
		return cmdCheck(cmdArgs, stdin, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "check":
		fmt.Fprint(stdout, checkUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// serveConfig loads -config and applies the flags that were set on top of it.
func serveConfig(args []string) (config.Config, int, error) {
	var (
		configPath   string
		addr         string
		depth        int
		nodes        int
		pagination   stringListFlag
		upstreamURL  string
		otelEndpoint string
		verbosity    int
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&addr, "server.addr", "", "HTTP listen address")
	fs.IntVar(&depth, "limits.depth", 0, "Maximum operation depth")
	fs.IntVar(&nodes, "limits.nodes", 0, "Maximum fetched nodes per operation")
	fs.Var(&pagination, "limits.pagination-arg", "Pagination argument name")
	fs.StringVar(&upstreamURL, "upstream.url", "", "Upstream GraphQL endpoint")
	fs.StringVar(&otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.IntVar(&verbosity, "v", 0, "Log verbosity")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, 0, err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, 0, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server.addr":
			cfg.Server.Addr = addr
		case "limits.depth":
			cfg.Limits.DepthLimit = depth
		case "limits.nodes":
			cfg.Limits.NodesLimit = nodes
		case "limits.pagination-arg":
			cfg.Limits.PaginationArguments = pagination
		case "upstream.url":
			cfg.Upstream.URL = upstreamURL
		case "otel.endpoint":
			cfg.OTel.Endpoint = otelEndpoint
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, 0, err
	}
	return cfg, verbosity, nil
}

func newLogger(w io.Writer, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(stdlog.New(w, "", stdlog.LstdFlags))
}

func cmdServe(args []string, stderr io.Writer) error {
	cfg, verbosity, err := serveConfig(args)
	if err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	logger := newLogger(stderr, verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithLogger(ctx, logger)

	bus := eventbus.New()
	eventbus.Use(bus)
	shutdownTracing, err := otel.Setup(ctx, bus, cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	client := upstream.New(cfg.Upstream.URL,
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithForwardHeaders(cfg.Upstream.ForwardHeaders...))
	defer client.Close()

	sopts := []server.Option{
		server.WithLogger(logger),
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithReportCost(cfg.Server.ReportCost),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	h, err := server.New(limits.New(cfg.LimitsConfig()), client, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		defer m.Subscribe(bus)()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("GraphQL guard listening", "addr", cfg.Server.Addr, "upstream", cfg.Upstream.URL,
		"depth_limit", cfg.Limits.DepthLimit, "nodes_limit", cfg.Limits.NodesLimit)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func cmdCheck(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		queryFile string
		varsFile  string
		depth     int
		nodes     int
		asJSON    bool
	)
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&queryFile, "query", "", "GraphQL document to analyze")
	fs.StringVar(&varsFile, "variables", "", "JSON object with variable values")
	fs.IntVar(&depth, "limits.depth", 0, "Maximum operation depth")
	fs.IntVar(&nodes, "limits.nodes", 0, "Maximum fetched nodes per operation")
	fs.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, checkUsage)
		return err
	}
	if queryFile == "" {
		fmt.Fprint(stderr, checkUsage)
		return fmt.Errorf("-query is required")
	}

	src, err := readInput(queryFile, stdin)
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}
	vars := map[string]any{}
	if varsFile != "" {
		b, err := os.ReadFile(varsFile)
		if err != nil {
			return fmt.Errorf("read variables: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&vars); err != nil {
			return fmt.Errorf("parse variables: %w", err)
		}
	}

	doc, err := language.ParseQuery(string(src))
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	cfg := limits.Config{DepthLimit: depth, NodesLimit: nodes}
	if err := cfg.Validate(); err != nil {
		return err
	}
	vars = limits.ApplyDefaults(doc, nil, vars)
	enforcer := limits.New(cfg)
	ctx := log.WithLogger(context.Background(), newLogger(stderr, 0))

	report, err := enforcer.Analyze(ctx, doc, vars)
	if err != nil {
		return err
	}
	_, checkErr := enforcer.Check(ctx, doc, vars)

	if asJSON {
		out := struct {
			*limits.Report
			Error string `json:"error,omitempty"`
			Code  string `json:"code,omitempty"`
		}{Report: report}
		if checkErr != nil {
			out.Error = checkErr.Error()
			out.Code = limits.KindOf(checkErr).Code()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OPERATION\tTYPE\tDEPTH\tNODES")
		for _, op := range report.Operations {
			name := op.Name
			if name == "" {
				name = "(anonymous)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", name, op.Type, op.Depth, op.Nodes)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if checkErr != nil {
			fmt.Fprintln(stdout, checkErr)
		}
	}
	if checkErr != nil {
		return errLimitsExceeded
	}
	return nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
