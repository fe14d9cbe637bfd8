package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"isolate/backend/remote"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/version"
	"isolate/node/config"
	"isolate/node/logging"
	"isolate/node/registry"
	"isolate/rpc/client"
	"isolate/runner"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "envs":
		os.Exit(serverCommand(os.Args[2:], listEnvs))
	case "history":
		os.Exit(serverCommand(os.Args[2:], history))
	case "health":
		os.Exit(serverCommand(os.Args[2:], health))
	case "version":
		fmt.Println(version.UserAgent(), "protocol", version.ProtocolVersion)
	default:
		usage()
		os.Exit(2)
	}
}

type runOptions struct {
	backend      string
	server       string
	token        string
	requirements []string
	options      map[string]string
	entry        string
	timeout      time.Duration
	cacheDir     string
	verbose      bool
	keep         bool
	script       string
	args         []string
}

func parseRunArgs(args []string) (runOptions, error) {
	opts := runOptions{options: map[string]string{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			i++
			if i < len(args) {
				opts.script = args[i]
				opts.args = args[i+1:]
			}
			return opts, nil
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			opts.script = arg
			opts.args = args[i+1:]
			return opts, nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-v", "--verbose":
			opts.verbose = true
			continue
		case "--keep":
			opts.keep = true
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("flag %s needs a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--backend":
			opts.backend = value
		case "--server":
			opts.server = value
		case "--token":
			opts.token = value
		case "-r", "--requirement":
			opts.requirements = append(opts.requirements, value)
		case "--option":
			k, v, ok := strings.Cut(value, "=")
			if !ok || k == "" {
				return opts, fmt.Errorf("--option wants key=value, got %q", value)
			}
			opts.options[k] = v
		case "--entry":
			opts.entry = value
		case "--timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d < 0 {
				return opts, fmt.Errorf("invalid --timeout %q", value)
			}
			opts.timeout = d
		case "--cache-dir":
			opts.cacheDir = value
		default:
			return opts, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return opts, nil
}

// backendKind picks the environment kind: the local interpreter when nothing needs
// installing, a virtualenv otherwise.
func (o runOptions) backendKind() string {
	if o.backend != "" {
		return o.backend
	}
	if len(o.requirements) == 0 && len(o.options) == 0 {
		return "local"
	}
	return "virtualenv"
}

func runCommand(args []string) int {
	opts, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		usage()
		return 2
	}
	if opts.script == "" {
		fmt.Fprintln(os.Stderr, "isolate: no script provided")
		usage()
		return 2
	}
	source, err := os.ReadFile(opts.script)
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 2
	}

	cfg, err := config.Load(os.Getenv("ISOLATE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 2
	}
	if opts.cacheDir != "" {
		cfg.CacheDir = opts.cacheDir
	}
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind := opts.backendKind()
	bcfg := registry.Config{
		CacheDir:        cfg.CacheDir,
		Python:          cfg.Python,
		CondaExecutable: cfg.Conda.Executable,
		CondaHome:       cfg.Conda.Home,
		Lifecycle:       cfg.Lifecycle(),
	}
	if opts.server != "" {
		bcfg.RemoteAddress = opts.server
		bcfg.RemoteToken = opts.token
		bcfg.RemoteTarget = kind
		kind = remote.Name
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 1
	}
	bridgeOpts := cfg.Bridge(nil)
	bridgeOpts.Logger = logger
	reg := registry.Builtin(registry.Deps{Logger: logger, Bridge: execution.NewBridge(bridgeOpts)})
	b, err := reg.Resolve(kind, bcfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 2
	}
	defer b.Close()

	req := execution.Request{
		Function: runner.Callable(opts.script, string(source), opts.entry),
		Timeout:  opts.timeout,
	}
	for _, a := range opts.args {
		req.Args = append(req.Args, runner.Arg(a))
	}
	runOpts := runner.RunOptions{
		Definition: environment.Definition{Requirements: opts.requirements, Options: opts.options},
		Request:    req,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Keep:       opts.keep,
	}
	if opts.verbose {
		runOpts.Log = func(c execution.LogChunk) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", c.Source, c.Message)
		}
	}

	res, err := runner.Run(ctx, b, runOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		if diag := diagnostics(err); diag != "" {
			fmt.Fprintln(os.Stderr, diag)
		}
		if ctx.Err() != nil {
			return runner.ExitCancelled
		}
		return res.ExitCode
	}
	logger.Debug("run finished",
		zap.String("execution_id", res.Result.ExecutionID),
		zap.String("outcome", string(res.Result.Outcome)),
		zap.Duration("duration", res.Result.Duration),
	)
	switch res.Result.Outcome {
	case execution.OutcomeSuccess:
		if v := res.Result.Value; len(v) > 0 && string(v) != "null" {
			fmt.Println(string(res.Result.Value))
		}
	case execution.OutcomeFailure:
		if f := res.Result.Failure; f != nil {
			if f.Traceback != "" && req.Function.Method == execution.MethodPython {
				fmt.Fprint(os.Stderr, f.Traceback)
			}
			fmt.Fprintln(os.Stderr, "isolate:", f.Error())
		}
	default:
		fmt.Fprintln(os.Stderr, "isolate: run", res.Result.Outcome)
	}
	return res.ExitCode
}

func diagnostics(err error) string {
	var be *environment.BuildError
	if errors.As(err, &be) {
		return be.Output
	}
	return ""
}

type serverOptions struct {
	server string
	token  string
	kind   string
	handle string
	limit  int
}

func parseServerArgs(args []string) (serverOptions, error) {
	opts := serverOptions{server: os.Getenv("ISOLATE_REMOTE_ADDRESS"), token: os.Getenv("ISOLATE_REMOTE_TOKEN")}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("flag %s needs a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--server":
			opts.server = value
		case "--token":
			opts.token = value
		case "--backend":
			opts.kind = value
		case "--handle":
			opts.handle = value
		case "--limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return opts, fmt.Errorf("invalid --limit %q", value)
			}
			opts.limit = n
		default:
			return opts, fmt.Errorf("unknown flag: %s", name)
		}
	}
	if opts.server == "" {
		return opts, fmt.Errorf("--server is required")
	}
	return opts, nil
}

func serverCommand(args []string, fn func(context.Context, *client.Client, serverOptions) error) int {
	opts, err := parseServerArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		usage()
		return 2
	}
	c, err := client.Dial(opts.server, client.Options{Token: opts.token})
	if err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 1
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx, c, opts); err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		return 1
	}
	return 0
}

func listEnvs(ctx context.Context, c *client.Client, opts serverOptions) error {
	handles, err := c.ListEnvironments(ctx, opts.kind)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBACKEND\tSTATUS\tKEY\tCREATED\tLOCATOR")
	for _, h := range handles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", h.ID, h.Backend, h.Status, h.Key.Short(), h.CreatedAt.Format(time.RFC3339), h.Locator)
	}
	return tw.Flush()
}

func history(ctx context.Context, c *client.Client, opts serverOptions) error {
	records, err := c.History(ctx, opts.handle, opts.limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tHANDLE\tBACKEND\tFROM\tTO\tDETAIL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.At.Format(time.RFC3339), r.HandleID, r.Backend, r.From, r.To, r.Detail)
	}
	return tw.Flush()
}

func health(ctx context.Context, c *client.Client, opts serverOptions) error {
	if err := c.Health(ctx); err != nil {
		return err
	}
	fmt.Println("serving")
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  isolate run [--backend kind] [--server addr] [--token t] [-r requirement]... [--option k=v]...
              [--entry name] [--timeout d] [--cache-dir dir] [--keep] [-v] <script> [args...]
  isolate envs --server addr [--token t] [--backend kind]
  isolate history --server addr [--token t] [--handle id] [--limit n]
  isolate health --server addr [--token t]
  isolate version`)
}
