package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"wanctl/internal/adapter/tui/monitor"
	"wanctl/internal/adapter/tui/uxerror"
	"wanctl/internal/adapter/wan"
	"wanctl/internal/domain"
	"wanctl/internal/infra/config"
)

// runOptions is the parsed command line of "wanctl run".
type runOptions struct {
	Config  string
	Python  string
	Script  string
	Params  wan.Params
	Raw     []string // verbatim generate.py arguments after "--"
	Plain   bool
	Verbose bool
	Exit    bool
}

// bindParams registers the generation flags on fs with p as defaults.
func bindParams(fs *flag.FlagSet, p *wan.Params) {
	fs.StringVar(&p.Task, "task", p.Task, "generation task")
	fs.StringVar(&p.Size, "size", p.Size, "output size WIDTH*HEIGHT")
	fs.StringVar(&p.CheckpointDir, "ckpt", p.CheckpointDir, "checkpoint directory")
	fs.StringVar(&p.Prompt, "prompt", p.Prompt, "prompt")
	fs.StringVar(&p.ImagePath, "image", p.ImagePath, "conditioning image")
	fs.IntVar(&p.FPS, "fps", p.FPS, "frames per second")
	fs.Float64Var(&p.LengthSeconds, "length", p.LengthSeconds, "clip length in seconds")
	fs.IntVar(&p.Steps, "steps", p.Steps, "sampling steps (0 = task default)")
	fs.BoolVar(&p.OffloadModel, "offload", p.OffloadModel, "offload model weights to CPU")
	fs.BoolVar(&p.ConvertDtype, "dtype", p.ConvertDtype, "convert model dtype")
	fs.BoolVar(&p.T5CPU, "t5-cpu", p.T5CPU, "keep T5 on the CPU")
	fs.StringVar(&p.OutputDir, "out-dir", p.OutputDir, "output directory")
	fs.StringVar(&p.OutputName, "name", p.OutputName, "output file name")
}

func parseRunFlags(args []string, cfg *config.Config, stderr io.Writer) (runOptions, error) {
	opts := runOptions{
		Python: cfg.Python.Executable,
		Script: cfg.Python.Script,
		Params: paramsFrom(cfg.Generation),
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Config, "config", configPath(args), "config file")
	fs.StringVar(&opts.Python, "python", opts.Python, "python interpreter")
	fs.StringVar(&opts.Script, "script", opts.Script, "path to generate.py")
	fs.BoolVar(&opts.Plain, "plain", false, "print progress lines instead of the terminal UI")
	fs.BoolVar(&opts.Verbose, "verbose", false, "echo script output in plain mode")
	fs.BoolVar(&opts.Exit, "exit", false, "close the terminal UI when the job ends")
	bindParams(fs, &opts.Params)

	if err := fs.Parse(args); err != nil {
		return runOptions{}, err
	}
	opts.Raw = fs.Args()
	return opts, nil
}

// request turns the options into a RunRequest. Raw arguments bypass the
// argument builder and its validation.
func (o runOptions) request() (domain.RunRequest, error) {
	req := domain.RunRequest{
		Executable: o.Python,
		ScriptPath: o.Script,
	}
	if len(o.Raw) > 0 {
		req.Arguments = o.Raw
		return req, nil
	}
	if err := o.Params.Validate(); err != nil {
		return domain.RunRequest{}, err
	}
	req.Arguments = o.Params.Args()
	return req, nil
}

func runGenerate(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}
	opts, err := parseRunFlags(args, cfg, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	req, err := opts.request()
	if err != nil {
		return err
	}

	useTUI := !opts.Plain && term.IsTerminal(int(os.Stdout.Fd()))
	if useTUI && (cfg.Logger.Output == "" || cfg.Logger.Output == "stderr" || cfg.Logger.Output == "stdout") {
		logPath := tuiLogPath()
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
			cfg.Logger.Output = logPath
		} else {
			cfg.Logger.Output = "discard"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		a.close(shutdownCtx)
	}()

	if _, err := a.svc.Start(ctx, req); err != nil {
		return err
	}
	a.log.Info("job launched", "python", req.Executable, "script", req.ScriptPath, "tui", useTUI)

	estimate := ""
	if len(opts.Raw) == 0 {
		estimate = wan.FormatEstimate(wan.Estimate(opts.Params, nil))
	}

	if useTUI {
		return runTUI(ctx, a, opts, estimate)
	}
	rep := newPlainReporter(a.svc, os.Stdout, opts.Verbose)
	if estimate != "" {
		fmt.Fprintf(os.Stdout, "estimated time: %s\n", estimate)
	}
	ev := rep.Run(ctx, a.svc.Done(), plainTick)
	return finish(a, ev, os.Stderr)
}

func runTUI(ctx context.Context, a *app, opts runOptions, estimate string) error {
	title := "wanctl"
	if opts.Params.Task != "" && len(opts.Raw) == 0 {
		title += " " + opts.Params.Task
	}
	m := monitor.New(a.svc, monitor.Options{
		Title:    title,
		Estimate: estimate,
		AutoQuit: opts.Exit,
	})
	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal ui: %w", err)
	}

	// the UI only quits early on a signal; the job goes with it
	if h, ok := a.svc.Current(); ok && h.State.Active() {
		_ = a.svc.Cancel()
	}
	select {
	case ev := <-a.svc.Done():
		return finish(a, ev, os.Stderr)
	case <-time.After(a.shutdownTimeout()):
		return fmt.Errorf("job did not exit within %s", a.shutdownTimeout())
	}
}

// finish prints the outcome of a run and converts it to the command result.
func finish(a *app, ev domain.ExitEvent, w io.Writer) error {
	st := a.svc.State()
	switch {
	case ev.Cancelled:
		fmt.Fprintln(w, "cancelled")
	case ev.Success():
		if st.LastOutputPath != "" {
			fmt.Fprintf(w, "saved %s\n", st.LastOutputPath)
		} else {
			fmt.Fprintln(w, "finished")
		}
	default:
		fmt.Fprintf(w, "failed with exit code %d\n", ev.ExitCode)
		if fe, ok := uxerror.FromLog(a.svc.LogTail(20)); ok {
			fmt.Fprintln(w, fe.Render())
		}
	}
	return exitResult(ev)
}
