package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"wanctl/internal/adapter/wan"
	"wanctl/internal/infra/config"
)

func runEstimate(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	p := paramsFrom(cfg.Generation)
	python := cfg.Python.Executable
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.String("config", configPath(args), "config file")
	fs.StringVar(&python, "python", python, "python interpreter used for --probe")
	probe := fs.Bool("probe", false, "ask torch about the GPU instead of assuming one")
	bindParams(fs, &p)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if _, _, ok := wan.ParseSize(p.Size); !ok {
		return fmt.Errorf("size %q is not WIDTH*HEIGHT", p.Size)
	}

	var gpu *wan.GPUInfo
	if *probe {
		gpu, err = wan.NewProber(cfg.Python.ProbeTimeout).ProbeGPU(context.Background(), python)
		if err != nil {
			return err
		}
	}
	printEstimate(os.Stdout, p, gpu)
	return nil
}

func printEstimate(w io.Writer, p wan.Params, gpu *wan.GPUInfo) {
	d := wan.Estimate(p, gpu)
	fmt.Fprintf(w, "task:      %s\n", p.Task)
	fmt.Fprintf(w, "size:      %s\n", p.Size)
	fmt.Fprintf(w, "frames:    %d\n", p.FrameNum())
	fmt.Fprintf(w, "steps:     %d\n", p.SampleSteps())
	if gpu != nil {
		dev := gpu.Name
		if !gpu.Available {
			dev = "cpu"
		}
		fmt.Fprintf(w, "device:    %s\n", dev)
	}
	fmt.Fprintf(w, "estimate:  %s\n", wan.FormatEstimate(d))
}
