package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"wanctl/internal/adapter/store"
	"wanctl/internal/domain"
	"wanctl/internal/infra/config"
)

func runHistory(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.String("config", configPath(args), "config file")
	limit := fs.Int("limit", store.DefaultListLimit, "number of jobs to show")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if !cfg.History.Enabled {
		return domain.NewSubSystemError("store", "history", domain.ErrDisabled, "history.enabled is false")
	}
	st, err := store.NewSQLiteJobStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.List(context.Background(), *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		if recs == nil {
			recs = []domain.JobRecord{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	printHistory(os.Stdout, recs)
	return nil
}

func printHistory(w io.Writer, recs []domain.JobRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No jobs recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tPHASE\tEXIT\tTASK\tOUTPUT")
	for _, r := range recs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		dur := "-"
		if !r.EndedAt.IsZero() {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		task := r.Task
		if task == "" {
			task = "-"
		}
		out := r.OutputPath
		if out == "" {
			out = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), dur, r.Phase, exit, task, out)
	}
	tw.Flush()
}
