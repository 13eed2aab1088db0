package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

// NewProcessorsCommand returns the processors subcommand.
func NewProcessorsCommand() *cli.Command {
	return &cli.Command{
		Name:   "processors",
		Usage:  "List registered processors and coprocessors",
		Flags:  []cli.Flag{addrFlag},
		Action: runProcessors,
	}
}

func runProcessors(ctx context.Context, cmd *cli.Command) error {
	var procs []struct {
		ID               string   `json:"id"`
		CommandsAccepted []string `json:"commandsAccepted"`
		CoProcessor      bool     `json:"coProcessor"`
		Priority         int      `json:"priority"`
		Environment      string   `json:"environment"`
		Connected        bool     `json:"connected"`
		Instances        []string `json:"instances"`
	}
	if err := getJSON(ctx, cmd, "/api/processors", &procs); err != nil {
		return err
	}
	if len(procs) == 0 {
		fmt.Println("No processors registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tENV\tCONNECTED\tCOMMANDS\tINSTANCES")
	for _, p := range procs {
		kind := "processor"
		if p.CoProcessor {
			kind = "coprocessor"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\t%d\n",
			p.ID, kind, p.Priority, p.Environment, p.Connected, strings.Join(p.CommandsAccepted, ","), len(p.Instances))
	}
	return w.Flush()
}
