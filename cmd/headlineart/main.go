// Package main provides the headlineart CLI.
//
// It runs the pipeline once in-process and follows its events in a terminal
// UI, or as plain lines when stdout is not a terminal.
//
// Usage:
//
//	headlineart run "Find today's headlines and make art"
//	headlineart run -plain -config config.yaml "Start"
//	headlineart history <run-id>
//	headlineart validate
//	headlineart version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/console"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/logging"
	"github.com/FranGenoa/HeadlineArt/coreengine/service"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

const (
	cmdRun      = "run"
	cmdHistory  = "history"
	cmdValidate = "validate"
	cmdVersion  = "version"
)

// Version information
const (
	Version   = "0.1.0"
	BuildTime = "2026-10-16"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	logFileName = "headlineart.log"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[0] {
	case cmdVersion:
		return writeJSON(stdout, map[string]string{"version": Version, "build_time": BuildTime})
	case cmdValidate:
		return handleValidate(args[1:], stdout, stderr)
	case cmdHistory:
		return handleHistory(args[1:], stdout, stderr)
	case cmdRun:
		return handleRun(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: headlineart <command> [flags]

Commands:
  run [-config f] [-plain] <input>  Run the pipeline once and follow its events
  history [-config f] <run-id>      Print the stored record and events of a run
  validate [-config f]              Check settings, instructions and the stage graph
  version                           Print version information`)
}

// =============================================================================
// Commands
// =============================================================================

func handleRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmdRun, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML config file")
	plain := fs.Bool("plain", false, "print plain lines instead of the terminal UI")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	input := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if input == "" {
		fmt.Fprintln(stderr, "run: input is required")
		return exitUsage
	}

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		return fail(stderr, err)
	}

	useTUI := !*plain && isTerminal(stdout)
	logOut := stderr
	if useTUI {
		f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fail(stderr, err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := logging.NewFromConfig(logOut, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return fail(stderr, err)
	}

	svc, err := service.New(settings, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := svc.RunTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := svc.Runner.Stream(ctx, input)

	var status string
	if useTUI {
		model := console.NewModel(svc.Runner.Config, h, cancel)
		if _, err := tea.NewProgram(model).Run(); err != nil {
			cancel()
			_, _ = h.Wait()
			return fail(stderr, err)
		}
		if res := model.Result(); res != nil {
			status = res.Status
		}
	} else {
		status = console.Print(stdout, h).Status
	}

	if status != storage.StatusSuccess {
		return exitFailed
	}
	return exitOK
}

func handleHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmdHistory, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "history: exactly one run id is required")
		return exitUsage
	}
	runID := fs.Arg(0)

	svc, err := quietService(*configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer svc.Close()
	if !svc.HistoryEnabled() {
		return fail(stderr, fmt.Errorf("run history is disabled (storage.db_path is empty)"))
	}

	ctx := context.Background()
	run, err := commbus.Ask[*storage.RunRecord](ctx, svc.Bus, &commbus.GetRun{RunID: runID})
	if err != nil {
		return fail(stderr, err)
	}
	if run == nil {
		return fail(stderr, fmt.Errorf("run %s not found", runID))
	}
	events, err := commbus.Ask[[]envelope.StageEvent](ctx, svc.Bus, &commbus.ListRunEvents{RunID: runID})
	if err != nil {
		return fail(stderr, err)
	}
	return writeJSON(stdout, map[string]any{"summary": run.Summary(), "run": run, "events": events})
}

func handleValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmdValidate, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	graph := settings.PipelineGraph()
	if err := graph.Validate(); err != nil {
		return fail(stderr, err)
	}
	instructions, err := config.LoadInstructions(settings.Pipeline.SpecsDir)
	if err != nil {
		return fail(stderr, err)
	}

	var missing []string
	for _, sc := range graph.Stages {
		if _, ok := instructions[sc.InstructionKey]; !ok {
			missing = append(missing, filepath.Join(settings.Pipeline.SpecsDir, sc.InstructionKey+".md"))
		}
	}
	return writeJSON(stdout, map[string]any{
		"valid":                true,
		"pipeline":             graph.Name,
		"stages":               graph.GetStageOrder(),
		"max_review_cycles":    graph.MaxReviewCycles,
		"verdict_mode":         settings.Pipeline.VerdictMode,
		"instructions_loaded":  len(instructions),
		"instructions_missing": missing,
	})
}

// =============================================================================
// Helpers
// =============================================================================

// quietService builds a service that only logs warnings.
func quietService(configPath string, stderr io.Writer) (*service.Service, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(stderr, "warn", settings.Log.Format)
	if err != nil {
		return nil, err
	}
	return service.New(settings, logger)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitFailed
	}
	return exitOK
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailed
}
