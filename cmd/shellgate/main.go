// Command shellgate validates a shell command against the security policy
// and, when allowed, executes it locally or over a pooled SSH connection.
// The process exit code follows the gateway convention: 0 success, -1
// execution failure, -2 validation failure, otherwise the command's own
// exit status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/term"

	"shellgate/pkg/envsafe"
	"shellgate/pkg/gate"
	"shellgate/pkg/history"
	"shellgate/pkg/logx"
	"shellgate/pkg/metrics"
	"shellgate/pkg/policy"
	"shellgate/pkg/sshpool"
	"shellgate/pkg/version"
)

// options carries the parsed flag surface into run.
type options struct {
	configPath  string
	home        string
	shell       string
	cwd         string
	timeout     int
	remote      string
	validate    bool
	showEnv     bool
	historyN    int
	dumpMetrics bool
	doUpload    bool
	doDownload  bool
	doList      bool
	askPass     bool
	args        []string
}

func main() {
	var (
		configPath  = flag.String("config", "", "Policy file path (default: <home>/config.yaml, then <home>/config.json)")
		home        = flag.String("home", "", "State directory for logs and history (default: ~/.shellgate)")
		shell       = flag.String("shell", "", "Local shell dialect: posix or cmd (default: by host OS)")
		cwd         = flag.String("cwd", "", "Working directory for the command")
		timeout     = flag.Int("timeout", 0, "Timeout in seconds; may only tighten the policy timeout")
		remote      = flag.String("remote", "", "Run on the named SSH connection instead of locally")
		validate    = flag.Bool("validate", false, "Validate the command without executing it (local dialect rules)")
		showEnv     = flag.Bool("show-env", false, "Print the environment with secret values redacted")
		historyN    = flag.Int("history", 0, "Print the last N history entries and exit")
		dumpMetrics = flag.Bool("metrics", false, "Dump metrics for this invocation to stderr")
		doUpload    = flag.Bool("upload", false, "Upload a file; arguments are LOCAL REMOTE (requires -remote)")
		doDownload  = flag.Bool("download", false, "Download a file; arguments are REMOTE LOCAL (requires -remote)")
		doList      = flag.Bool("ls", false, "List a remote directory; argument is the path (requires -remote)")
		askPass     = flag.Bool("ask-pass", false, "Prompt for the SSH password instead of reading it from the policy")
		tee         = flag.Bool("tee", false, "Log to both console and file (default: file only)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("shellgate %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	homeDir := *home
	if homeDir == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			homeDir = filepath.Join(userHome, ".shellgate")
		} else {
			homeDir = ".shellgate"
		}
	}

	// Initialize log rotation before anything logs, so policy loading
	// diagnostics are captured. A read-only host still works: logging
	// falls back to stderr.
	if err := logx.InitializeLogFile(filepath.Join(homeDir, "logs"), 4, *tee); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize log file: %v\n", err)
	}

	exitCode := run(options{
		configPath:  *configPath,
		home:        homeDir,
		shell:       *shell,
		cwd:         *cwd,
		timeout:     *timeout,
		remote:      *remote,
		validate:    *validate,
		showEnv:     *showEnv,
		historyN:    *historyN,
		dumpMetrics: *dumpMetrics,
		doUpload:    *doUpload,
		doDownload:  *doDownload,
		doList:      *doList,
		askPass:     *askPass,
		args:        flag.Args(),
	})

	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
	}

	os.Exit(exitCode)
}

// run contains the main application logic and returns an exit code. This
// allows defers to execute before os.Exit is called.
func run(opts options) int {
	logger := logx.NewLogger("shellgate")

	if opts.showEnv {
		environ := envsafe.Redact(os.Environ())
		sort.Strings(environ)
		for _, kv := range environ {
			fmt.Println(kv)
		}
		return 0
	}

	// An explicitly named policy file must exist; silently falling back to
	// defaults would hide a typo in a security configuration.
	if opts.configPath != "" {
		if _, err := os.Stat(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot read policy file %s: %v\n", opts.configPath, err)
			return 1
		}
	}
	sources := []string{opts.configPath}
	if opts.configPath == "" {
		sources = []string{
			filepath.Join(opts.home, "config.yaml"),
			filepath.Join(opts.home, "config.json"),
		}
	}

	pol, err := policy.Load(logger.WithName("policy"), sources...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal policy error: %v\n", err)
		return 1
	}

	if opts.historyN > 0 {
		return printHistory(opts, pol, logger)
	}

	dialect := policy.Dialect(opts.shell)
	if opts.shell == "" {
		dialect = policy.DialectPosix
		if runtime.GOOS == "windows" {
			dialect = policy.DialectCmd
		}
	}
	if !dialect.Known() {
		fmt.Fprintf(os.Stderr, "Unknown shell dialect %q (want posix or cmd)\n", opts.shell)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()

	if opts.askPass && opts.remote != "" {
		password, promptErr := promptPassword(opts.remote)
		if promptErr != nil {
			fmt.Fprintf(os.Stderr, "Password prompt failed: %v\n", promptErr)
			return 1
		}
		if conn, ok := pol.SSH.Connections[opts.remote]; ok {
			conn.Password = password
			pol.SSH.Connections[opts.remote] = conn
		}
	}

	var pool *sshpool.Pool
	if pol.SSH.Enabled && opts.remote != "" {
		pool = sshpool.New(pol.SSH, sshpool.NewDialer(pol.SSH), logger.WithName("sshpool"), rec)
		defer pool.Shutdown()
	}

	if opts.doList || opts.doUpload || opts.doDownload {
		return runTransfer(ctx, pool, opts)
	}

	if len(opts.args) == 0 {
		fmt.Fprintln(os.Stderr, "No command given. Usage: shellgate [flags] COMMAND [ARGS...]")
		flag.PrintDefaults()
		return 1
	}
	rawCommand := shellquote.Join(opts.args...)
	timeout := time.Duration(opts.timeout) * time.Second

	var store *history.Store
	if pol.Security.LogCommands && !opts.validate {
		store, err = history.Open(filepath.Join(opts.home, "history.db"), pol.Security.MaxHistorySize, logger.WithName("history"))
		if err != nil {
			// Refuse to execute unaudited when the policy demands an audit trail.
			fmt.Fprintf(os.Stderr, "Fatal: cannot open command history: %v\n", err)
			return 1
		}
		defer store.Close()
	}

	g := gate.New(gate.Config{
		Policy:  pol,
		Pool:    pool,
		History: store,
		Metrics: rec,
		Logger:  logger.WithName("gate"),
	})

	if opts.validate {
		outcome := g.Check(dialect, rawCommand, opts.cwd)
		if outcome.Allowed {
			fmt.Println("allowed")
			return gate.ExitOK
		}
		fmt.Fprintf(os.Stderr, "rejected at %s stage: %s\n", outcome.Stage, outcome.Reason)
		return gate.ExitValidationFailed
	}

	var (
		resp   gate.Response
		runErr error
	)
	if opts.remote != "" {
		resp, runErr = g.RunRemote(ctx, opts.remote, rawCommand, opts.cwd, timeout)
	} else {
		resp, runErr = g.Run(ctx, dialect, rawCommand, opts.cwd, timeout)
	}

	if resp.Result.Stdout != "" {
		fmt.Print(resp.Result.Stdout)
	}
	if resp.Result.Stderr != "" {
		fmt.Fprint(os.Stderr, resp.Result.Stderr)
	}
	switch {
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Execution failed: %v\n", runErr)
	case !resp.Outcome.Allowed:
		fmt.Fprintf(os.Stderr, "rejected at %s stage: %s\n", resp.Outcome.Stage, resp.Outcome.Reason)
	case resp.Result.TimedOut:
		fmt.Fprintf(os.Stderr, "command timed out after %s\n", resp.Result.Duration.Round(time.Millisecond))
	}

	if opts.dumpMetrics {
		if dumpErr := rec.WriteText(os.Stderr); dumpErr != nil {
			logger.Warn("Metrics dump failed: %v", dumpErr)
		}
	}

	return gate.ExitCode(resp.Outcome, resp.Result, runErr)
}

// runTransfer handles -ls, -upload and -download over the pooled connection.
func runTransfer(ctx context.Context, pool *sshpool.Pool, opts options) int {
	if opts.remote == "" {
		fmt.Fprintln(os.Stderr, "File transfer requires -remote")
		return 1
	}
	if pool == nil {
		fmt.Fprintln(os.Stderr, "SSH is disabled by policy")
		return gate.ExitExecutionFailed
	}

	switch {
	case opts.doList:
		remotePath := "."
		if len(opts.args) > 0 {
			remotePath = opts.args[0]
		}
		entries, err := pool.ListDir(ctx, opts.remote, remotePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			return gate.ExitExecutionFailed
		}
		for _, e := range entries {
			fmt.Printf("%s %10d %s %s\n", e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name)
		}
		return gate.ExitOK

	case opts.doUpload:
		if len(opts.args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: shellgate -remote <id> -upload LOCAL REMOTE")
			return 1
		}
		if err := pool.Upload(ctx, opts.remote, opts.args[0], opts.args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
			return gate.ExitExecutionFailed
		}
		return gate.ExitOK

	default:
		if len(opts.args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: shellgate -remote <id> -download REMOTE LOCAL")
			return 1
		}
		if err := pool.Download(ctx, opts.remote, opts.args[0], opts.args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Download failed: %v\n", err)
			return gate.ExitExecutionFailed
		}
		return gate.ExitOK
	}
}

// printHistory renders the newest entries of the audit log, one per line.
func printHistory(opts options, pol policy.Policy, logger *logx.Logger) int {
	store, err := history.Open(filepath.Join(opts.home, "history.db"), pol.Security.MaxHistorySize, logger.WithName("history"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open command history: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.Recent(opts.historyN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read command history: %v\n", err)
		return 1
	}
	for _, e := range entries {
		verdict := "allowed"
		if !e.Allowed {
			verdict = "denied:" + e.Stage
		}
		fmt.Printf("%s  %-16s %-10s exit=%-3d %s\n",
			e.Timestamp.Format(time.RFC3339), verdict, e.Target, e.ExitCode, e.Command)
	}
	return 0
}

// promptPassword reads an SSH password from the terminal without echo.
func promptPassword(connectionID string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", connectionID)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}
