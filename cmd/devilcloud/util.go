package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/DEVIL0924/devil-cloud-advanced/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printBotTable(w io.Writer, bots []client.Bot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tOWNER\tNAME\tRUNTIME\tSTATE\tPID\tRESTARTS\tCREATED")
	for _, b := range bots {
		pid := "-"
		if b.PID > 0 {
			pid = strconv.Itoa(b.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.Owner, b.Name, b.Runtime, b.State, pid, b.RestartCount, b.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printEventTable(w io.Writer, evs []client.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tSTATE\tPID\tRESTARTS\tMESSAGE")
	for _, e := range evs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, e.State, e.PID, e.RestartCount, e.Message)
	}
	return tw.Flush()
}
