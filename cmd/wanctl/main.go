package main

import (
	"fmt"
	"os"
	"strings"

	"wanctl/internal/adapter/tui/uxerror"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	// no subcommand: generate
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exit("run", runGenerate(os.Args[1:]))
		return
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		exit("run", runGenerate(args))
	case "serve":
		exit("serve", runServe(args))
	case "doctor":
		exit("doctor", runDoctor(args))
	case "history":
		exit("history", runHistory(args))
	case "estimate":
		exit("estimate", runEstimate(args))
	case "discover":
		exit("discover", runDiscover(args))
	case "hash-token":
		exit("hash-token", runHashToken(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'wanctl --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

// exit reports err in human form and sets the process status.
func exit(cmd string, err error) {
	if err == nil {
		return
	}
	var je *jobError
	if asJobError(err, &je) {
		os.Exit(je.code())
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, uxerror.Humanize(err).Render())
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`wanctl - run and monitor Wan2.2 video generation

USAGE:
    wanctl [COMMAND] [FLAGS] [-- RAW_ARGS...]

COMMANDS:
    run         Launch generate.py and follow its progress (default)
    serve       Expose the job over a websocket gateway
    doctor      Check python, torch, GPU, script and checkpoints
    history     List past jobs
    estimate    Predict how long a generation will take
    discover    List gateways advertised on the local network
    hash-token  Print the bcrypt hash of a gateway token

RUN FLAGS:
    --config PATH      Config file (default: ./wanctl.yaml, or WANCTL_CONFIG)
    --python PATH      Python interpreter
    --script PATH      Path to generate.py
    --task NAME        t2v-A14B, i2v-A14B, ti2v-5B, s2v-14B
    --size W*H         Output size, e.g. 1280*720
    --ckpt DIR         Checkpoint directory
    --prompt TEXT      Prompt
    --image PATH       Conditioning image (not used by t2v)
    --fps N            Frames per second
    --length SECONDS   Clip length
    --steps N          Sampling steps (0 = task default)
    --offload          Offload model weights to CPU
    --dtype            Convert model dtype
    --t5-cpu           Keep T5 on the CPU
    --out-dir DIR      Output directory
    --name NAME        Output file name
    --plain            Print progress lines instead of the terminal UI
    --verbose          In plain mode, echo the script output too
    --exit             Close the terminal UI when the job ends

    Anything after "--" is passed to generate.py verbatim instead of the
    generated arguments.

CONFIGURATION:
    Config file: ./wanctl.yaml
    Environment: WANCTL_* variables override config
    Gateway tokens may be stored as token_hash (see hash-token)

EXAMPLES:
    wanctl --ckpt ./Wan2.2-T2V-A14B --prompt "a cat surfing"
    wanctl run --plain --task ti2v-5B --size 1280*704 --image cat.png --prompt "..."
    wanctl run -- --task t2v-A14B --ckpt_dir ./ckpt --prompt "raw args"
    wanctl serve --config wanctl.yaml
    wanctl serve --addr 0.0.0.0:7860 --mdns
    wanctl doctor
    wanctl history --limit 5`)
}
