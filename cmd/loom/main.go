// Loom CLI - specialize, inspect and run routines against a target VM
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/loom/pkg/asm"
	"github.com/chazu/loom/pkg/engine"
	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/sirvm"
	"github.com/chazu/loom/pkg/target"
	"github.com/chazu/loom/server"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose logging")
	configDir := flag.String("t", "", "Directory containing loom.toml (default: walk up from the working directory)")
	dispatch := flag.String("dispatch", "", "Override the dispatch strategy: switch, direct-threading, minimal-threading, no-threading")
	check := flag.Bool("check", false, "Parse the routines without specializing them")
	disassemble := flag.Bool("disassemble", false, "Print specialized listings instead of report summaries")
	runMode := flag.Bool("run", false, "Execute the routines and print the final stack")
	profileMode := flag.Bool("profile", false, "Execute the routines and print an execution profile")
	steps := flag.Int("steps", 0, "Step budget for -run and -profile (0 means unbounded)")
	serveMode := flag.Bool("serve", false, "Start the engine service (Connect over HTTP)")
	addr := flag.String("addr", "", "Listen address for -serve (default: from loom.toml)")
	lspMode := flag.Bool("lsp", false, "Start the language server on stdio")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loom [options] [routines...]\n\n")
		fmt.Fprintf(os.Stderr, "Specializes the given routine files for the configured target and prints\n")
		fmt.Fprintf(os.Stderr, "their reports. With no files, starts an interactive session.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loom add.sasm                  # Specialize, print the report\n")
		fmt.Fprintf(os.Stderr, "  loom -run add.sasm             # Run it, print the final stack\n")
		fmt.Fprintf(os.Stderr, "  loom -profile fib.sasm         # Run it, print what executed most\n")
		fmt.Fprintf(os.Stderr, "  loom -disassemble add.sasm     # Print the specialized listing\n")
		fmt.Fprintf(os.Stderr, "  loom -check src/*.sasm         # Syntax-check without specializing\n")
		fmt.Fprintf(os.Stderr, "  loom -dispatch direct-threading -run add.sasm\n")
		fmt.Fprintf(os.Stderr, "  loom -serve                    # Engine service on the configured address\n")
		fmt.Fprintf(os.Stderr, "  loom -serve -addr :8080        # Engine service on :8080\n")
		fmt.Fprintf(os.Stderr, "  loom -lsp                      # Language server on stdio\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *dispatch != "" {
		cfg.VM.Dispatch = *dispatch
	}

	// The language server and the syntax checker need only the target VM.
	if *lspMode {
		vm, err := sirvm.FromConfig(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := server.NewLSP(vm).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Language server error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *check {
		if err := checkFiles(cfg, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	eng, err := engine.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *serveMode {
		ttl, err := cfg.ParseHandleTTL()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		srv := server.New(eng, server.WithHandleTTL(ttl))
		defer srv.Stop()

		listen := *addr
		if listen == "" {
			listen = cfg.Server.Listen
		}
		if err := srv.ListenAndServe(listen); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	files := flag.Args()
	if len(files) == 0 {
		runREPL(eng, *steps)
		return
	}

	switch {
	case *runMode:
		for _, path := range files {
			if err := runFile(eng, path, *steps); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
	case *profileMode:
		for _, path := range files {
			if err := profileFile(eng, path, *steps); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
	case *disassemble:
		for _, path := range files {
			if err := disassembleFile(eng, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
	default:
		if err := specializeAll(eng, files); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig loads the target configuration: an explicit directory, the
// nearest loom.toml above the working directory, or the defaults.
func loadConfig(dir string) (*target.Config, error) {
	if dir != "" {
		return target.Load(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := target.FindAndLoad(cwd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return target.Default(), nil
	}
	return cfg, nil
}

// routineName names a routine after its file, extension stripped.
func routineName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// checkFiles parses every file against the target, reporting the first
// problem. Nothing is specialized or persisted.
func checkFiles(cfg *target.Config, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("-check needs routine files")
	}
	vm, err := sirvm.FromConfig(cfg)
	if err != nil {
		return err
	}
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		mr, err := asm.Assemble(vm, routineName(path), string(src))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		mr.Destroy()
		fmt.Printf("%s: ok\n", path)
	}
	return nil
}

// specializeAll specializes the files concurrently, then prints one
// report line per routine in input order.
func specializeAll(eng *engine.Engine, files []string) error {
	g, ctx := errgroup.WithContext(context.Background())
	reports := make([]*report.Report, len(files))
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			ex, rep, err := eng.Specialize(ctx, routineName(path), string(src))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			ex.Unpin()
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, rep := range reports {
		printReport(rep)
	}
	return nil
}

func printReport(rep *report.Report) {
	fmt.Printf("%s  %s  %s/%s  %d instructions, %d words",
		rep.Fingerprint, rep.Name, rep.VM, rep.Dispatch, rep.Instructions, rep.Words)
	if rep.NativeBytes > 0 {
		fmt.Printf(", %d native bytes", rep.NativeBytes)
	}
	slow := 0
	for _, n := range rep.SlowRegisters {
		slow += n
	}
	if slow > 0 {
		fmt.Printf(", %d slow registers", slow)
	}
	fmt.Println()
}

func disassembleFile(eng *engine.Engine, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	listing, err := eng.Disassemble(context.Background(), routineName(path), string(src))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Print(listing)
	if !strings.HasSuffix(listing, "\n") {
		fmt.Println()
	}
	return nil
}

func runFile(eng *engine.Engine, path string, steps int) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	stack, err := eng.Run(context.Background(), routineName(path), string(src), steps)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	printStack(stack)
	return nil
}

func profileFile(eng *engine.Engine, path string, steps int) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	stack, prof, err := eng.Profile(context.Background(), routineName(path), string(src), steps)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	printStack(stack)
	fmt.Print(prof)
	return nil
}

// printStack prints the main stack bottom first, one line.
func printStack(stack []sir.Word) {
	if len(stack) == 0 {
		fmt.Println("(empty stack)")
		return
	}
	parts := make([]string, len(stack))
	for i, w := range stack {
		parts[i] = strconv.FormatInt(w.Int(), 10)
	}
	fmt.Println(strings.Join(parts, " "))
}

// runREPL reads routines interactively: instructions accumulate until a
// blank line runs them. `exit` is an opcode here, so quitting is spelled
// 'quit'.
func runREPL(eng *engine.Engine, steps int) {
	st, err := eng.Stat(context.Background())
	if err == nil {
		fmt.Printf("loom %s/%s (type 'quit' to leave, blank line to run, ':help' for commands)\n\n", st.VM, st.Dispatch)
	}

	scanner := bufio.NewScanner(os.Stdin)
	var lines []string

	for {
		if len(lines) == 0 {
			fmt.Print(">> ")
		} else {
			fmt.Print(".. ")
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if len(lines) == 0 && trimmed == "quit" {
			break
		}
		if strings.HasPrefix(trimmed, ":") {
			lines = handleREPLCommand(eng, trimmed, lines)
			continue
		}

		if trimmed == "" {
			if len(lines) == 0 {
				continue
			}
			src := strings.Join(lines, "\n")
			lines = lines[:0]
			evalAndPrint(eng, src, steps)
			continue
		}

		lines = append(lines, line)
	}

	fmt.Println()
}

// handleREPLCommand handles interactive meta-commands. Returns the input
// buffer, cleared when the command consumed it.
func handleREPLCommand(eng *engine.Engine, cmd string, lines []string) []string {
	switch cmd {
	case ":help", ":h", ":?":
		fmt.Println("Commands:")
		fmt.Println("  :help, :h, :?  Show this help")
		fmt.Println("  :dis           Disassemble the pending instructions instead of running them")
		fmt.Println("  :drop          Discard the pending instructions")
		fmt.Println("  :stat          Show engine statistics")
		fmt.Println("  quit           Leave")
	case ":dis":
		if len(lines) == 0 {
			fmt.Println("Nothing pending to disassemble")
			return lines
		}
		listing, err := eng.Disassemble(context.Background(), "repl", strings.Join(lines, "\n"))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return lines[:0]
		}
		fmt.Print(listing)
		if !strings.HasSuffix(listing, "\n") {
			fmt.Println()
		}
		return lines[:0]
	case ":drop":
		return lines[:0]
	case ":stat":
		st, err := eng.Stat(context.Background())
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return lines
		}
		fmt.Printf("target %s/%s, cache %d/%d, %d hits, %d misses",
			st.VM, st.Dispatch, st.CacheLen, st.CacheSize, st.Hits, st.Misses)
		if st.Persisted >= 0 {
			fmt.Printf(", %d persisted", st.Persisted)
		}
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (type :help for commands)\n", cmd)
	}
	return lines
}

// evalAndPrint specializes and runs one interactive routine, printing
// the final stack.
func evalAndPrint(eng *engine.Engine, src string, steps int) {
	stack, err := eng.Run(context.Background(), "repl", src, steps)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printStack(stack)
}
