// Could-you is an MCP host: it connects to configured MCP tool servers,
// aggregates their tools into one catalog, and runs conversations where
// a model backend can call those tools to answer a question.
//
// Usage:
//
//	could-you ask <question>   Run one conversation and print the answer
//	could-you servers          List connected servers and their capabilities
//	could-you read <resource>  Print the contents of a catalog resource
//	could-you prompt <name>    Fetch a prompt template
//	could-you history [n]      Show recently archived sessions
//	could-you models           List models available from the Ollama endpoint
//	could-you version          Print version and build information
//	could-you -o json ask ...  Output the full session result as JSON
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/yuin/goldmark"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/buildinfo"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/config"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/host"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/llm"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the logic so
// the full command surface can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions are the flags shared by all subcommands.
type cliOptions struct {
	configPath string
	outputFmt  string // text (default), json, or html
	model      string
	maxTurns   int
}

// run parses arguments and dispatches to the subcommand handlers. The
// flag package is avoided on purpose: it relies on package-level
// globals that make parallel tests of run() impossible, and the
// argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			opts.model = strings.TrimPrefix(args[i], "-model=")
		case args[i] == "-max-turns" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -max-turns value %q", args[i+1])
			}
			opts.maxTurns = n
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	switch opts.outputFmt {
	case "text", "json", "html":
	default:
		return fmt.Errorf("unknown output format: %q (expected text, json, or html)", opts.outputFmt)
	}

	switch command {
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: could-you ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "servers":
		return runServers(ctx, stdout, stderr, opts)
	case "read":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: could-you read <resource>")
		}
		return runRead(ctx, stdout, stderr, opts, cmdArgs[0])
	case "prompt":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: could-you prompt <name> [key=value ...]")
		}
		return runPrompt(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1:])
	case "history":
		n := 10
		if len(cmdArgs) > 0 {
			v, err := strconv.Atoi(cmdArgs[0])
			if err != nil || v < 1 {
				return fmt.Errorf("usage: could-you history [count]")
			}
			n = v
		}
		return runHistory(stdout, opts, n)
	case "models":
		return runModels(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newHost loads the configuration, applies CLI overrides, and builds
// the host. Logs go to stderr so stdout carries only command output.
func newHost(stderr io.Writer, opts cliOptions) (*host.Host, *config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.model != "" {
		cfg.LLM.Model = opts.model
	}
	if opts.maxTurns > 0 {
		cfg.MaxTurns = opts.maxTurns
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(stderr, level)

	h, err := host.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return h, cfg, nil
}

// runAsk runs a single conversation and prints the final answer. With
// text output, answer tokens are streamed as they arrive; json and html
// output are rendered from the finished result.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, question string) error {
	h, _, err := newHost(stderr, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Connect(ctx); err != nil {
		return err
	}

	var onToken func(string)
	if opts.outputFmt == "text" {
		onToken = func(tok string) { fmt.Fprint(stdout, tok) }
	}

	res, err := h.RunSession(ctx, question, onToken)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	switch opts.outputFmt {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "html":
		html, err := renderAnswerHTML(res.Answer)
		if err != nil {
			return fmt.Errorf("render html: %w", err)
		}
		fmt.Fprintln(stdout, html)
		return nil
	default:
		// Tokens were already streamed; finish the line.
		fmt.Fprintln(stdout)
		return nil
	}
}

// renderAnswerHTML converts the markdown answer into a standalone HTML
// fragment.
func renderAnswerHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body>
%s</body></html>`, buf.String()), nil
}

// runServers connects the configured servers and prints the aggregated
// capability catalog grouped by server.
func runServers(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	h, cfg, err := newHost(stderr, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Connect(ctx); err != nil {
		return err
	}

	snap := h.Snapshot()
	if opts.outputFmt == "json" {
		return printServersJSON(stdout, snap)
	}

	conns := h.Connections()
	if len(conns) == 0 {
		fmt.Fprintf(stdout, "No servers connected (%d configured).\n", len(cfg.Servers))
		return nil
	}

	byServer := make(map[string][]catalog.Capability)
	for _, capability := range snap.Capabilities() {
		byServer[capability.Server] = append(byServer[capability.Server], capability)
	}

	for _, conn := range conns {
		fmt.Fprintf(stdout, "%s (%s)\n", conn.Name(), conn.State())
		for _, capability := range byServer[conn.Name()] {
			desc := capability.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(stdout, "  %-10s %-30s %s\n", capability.Kind, capability.Name, desc)
		}
	}
	return nil
}

func printServersJSON(w io.Writer, snap *catalog.Snapshot) error {
	type entry struct {
		Name        string `json:"name"`
		RawName     string `json:"raw_name"`
		Kind        string `json:"kind"`
		Server      string `json:"server"`
		Description string `json:"description,omitempty"`
	}
	out := make([]entry, 0, snap.Len())
	for _, capability := range snap.Capabilities() {
		out = append(out, entry{
			Name:        capability.Name,
			RawName:     capability.RawName,
			Kind:        string(capability.Kind),
			Server:      capability.Server,
			Description: capability.Description,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runRead connects the configured servers and prints the contents of
// one catalog resource, addressed by its qualified name.
func runRead(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, name string) error {
	h, _, err := newHost(stderr, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Connect(ctx); err != nil {
		return err
	}

	capability, conn, err := h.Snapshot().Resolve(name)
	if err != nil {
		return err
	}
	if capability.Kind != catalog.KindResource {
		return fmt.Errorf("%q is a %s, not a resource", name, capability.Kind)
	}

	contents, err := conn.ReadResource(ctx, capability.RawName)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(contents)
	}
	for _, content := range contents {
		if content.Text != "" {
			fmt.Fprintln(stdout, content.Text)
		} else {
			fmt.Fprintf(stdout, "(binary content, %s, %d bytes base64)\n",
				content.MimeType, len(content.Blob))
		}
	}
	return nil
}

// runPrompt fetches a prompt template by qualified name. Arguments are
// given as key=value pairs.
func runPrompt(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, name string, kvArgs []string) error {
	args := make(map[string]string, len(kvArgs))
	for _, kv := range kvArgs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("prompt argument %q is not key=value", kv)
		}
		args[k] = v
	}

	h, _, err := newHost(stderr, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Connect(ctx); err != nil {
		return err
	}

	capability, conn, err := h.Snapshot().Resolve(name)
	if err != nil {
		return err
	}
	if capability.Kind != catalog.KindPrompt {
		return fmt.Errorf("%q is a %s, not a prompt", name, capability.Kind)
	}

	result, err := conn.GetPrompt(ctx, capability.RawName, args)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", name, err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if result.Description != "" {
		fmt.Fprintf(stdout, "# %s\n", result.Description)
	}
	for _, msg := range result.Messages {
		fmt.Fprintf(stdout, "[%s] %s\n", msg.Role, msg.Content.Text)
	}
	return nil
}

// runHistory lists recently archived sessions. Requires a data_dir in
// the configuration.
func runHistory(stdout io.Writer, opts cliOptions, n int) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("history requires data_dir in the configuration")
	}

	h, err := host.New(cfg, newLogger(io.Discard, slog.LevelError))
	if err != nil {
		return err
	}
	defer h.Close()

	records, err := h.Archive().Recent(n)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(stdout, "No archived sessions.")
		return nil
	}
	for _, rec := range records {
		answer := rec.Answer
		if len(answer) > 60 {
			answer = answer[:57] + "..."
		}
		fmt.Fprintf(stdout, "%s  %-10s %2d turns  %s\n",
			rec.StartedAt.Format("2006-01-02 15:04"), rec.State, rec.Turns, answer)
	}
	return nil
}

// runModels lists the models available from the configured Ollama
// endpoint, marking the one the config selects.
func runModels(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.Provider != "ollama" {
		return fmt.Errorf("models requires the ollama provider (configured: %s)", cfg.LLM.Provider)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	client := llm.NewOllamaClient(cfg.LLM.BaseURL, newLogger(stderr, level))

	names, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(names)
	}
	for _, name := range names {
		marker := " "
		if name == cfg.LLM.Model {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %s\n", marker, name)
	}
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "could-you - MCP host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: could-you [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <question>   Run one conversation and print the answer")
	fmt.Fprintln(w, "  servers          List connected servers and their capabilities")
	fmt.Fprintln(w, "  read <resource>  Print the contents of a catalog resource")
	fmt.Fprintln(w, "  prompt <name>    Fetch a prompt template (args as key=value)")
	fmt.Fprintln(w, "  history [n]      Show recently archived sessions (default: 10)")
	fmt.Fprintln(w, "  models           List models available from the Ollama endpoint")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default), json, or html")
	fmt.Fprintln(w, "  -model <name>     Override the configured model")
	fmt.Fprintln(w, "  -max-turns <n>    Override the per-session turn limit")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
