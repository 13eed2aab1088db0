package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect task instances on a running server",
		Flags: []cli.Flag{addrFlag},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List active instances",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "family",
						Usage: "Only show instances of this family",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show the snapshot of an instance",
				ArgsUsage: "<instance_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "events",
				Usage:     "Show the event trail of an instance",
				ArgsUsage: "<instance_id>",
				Action:    runTasksEvents,
			},
			{
				Name:      "outputs",
				Usage:     "Show the aggregated outputs of a family",
				ArgsUsage: "<family_id>",
				Action:    runTasksOutputs,
			},
		},
		DefaultCommand: "list",
	}
}

type taskRow struct {
	InstanceID  string   `json:"instanceId"`
	ID          string   `json:"id"`
	FamilyID    string   `json:"familyId"`
	UserID      string   `json:"userId"`
	Command     string   `json:"command"`
	Locked      bool     `json:"locked"`
	Subscribers []string `json:"subscribers"`
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	path := "/api/tasks"
	if family := cmd.String("family"); family != "" {
		path += "?family=" + url.QueryEscape(family)
	}

	var rows []taskRow
	if err := getJSON(ctx, cmd, path, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No active tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tTASK\tFAMILY\tUSER\tCOMMAND\tLOCKED\tSUBSCRIBERS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.InstanceID, r.ID, r.FamilyID, r.UserID, r.Command, r.Locked, strings.Join(r.Subscribers, ","))
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: taskhub tasks show <instance_id>")
	}

	var resp struct {
		Active bool            `json:"active"`
		Task   json.RawMessage `json:"task"`
	}
	if err := getJSON(ctx, cmd, "/api/tasks/"+url.PathEscape(id), &resp); err != nil {
		return err
	}

	state := "finished"
	if resp.Active {
		state = "active"
	}
	fmt.Printf("Instance:    %s (%s)\n\n", id, state)
	return printIndented(resp.Task)
}

func runTasksEvents(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: taskhub tasks events <instance_id>")
	}

	var evts []struct {
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Source    string `json:"source"`
	}
	if err := getJSON(ctx, cmd, "/api/tasks/"+url.PathEscape(id)+"/events", &evts); err != nil {
		return err
	}
	if len(evts) == 0 {
		fmt.Println("No events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSOURCE")
	for _, e := range evts {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp, e.Type, e.Source)
	}
	return w.Flush()
}

func runTasksOutputs(ctx context.Context, cmd *cli.Command) error {
	family := cmd.Args().First()
	if family == "" {
		return fmt.Errorf("usage: taskhub tasks outputs <family_id>")
	}

	var outputs json.RawMessage
	if err := getJSON(ctx, cmd, "/api/families/"+url.PathEscape(family)+"/outputs", &outputs); err != nil {
		return err
	}
	return printIndented(outputs)
}

func printIndented(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
