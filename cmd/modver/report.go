package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"modver/internal/engine"
	"modver/internal/store"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func shortID(id []byte) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return hex.EncodeToString(id)
}

func printReport(w io.Writer, rep *engine.Report) {
	fmt.Fprintf(w, "Run %s (%s)\n", rep.RunID, rep.Job)
	if len(rep.Actions) == 0 {
		fmt.Fprintln(w, "No actions performed.")
	} else {
		table := newTable(w, "#", "Module", "Action")
		for _, a := range rep.Actions {
			table.Append([]string{strconv.Itoa(a.Seq), a.ModuleVersion.String(), a.Description})
		}
		table.Render()
	}
	if len(rep.Transitions) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "Visited", "Version")
		for _, t := range rep.Transitions {
			table.Append([]string{t.Subject, t.Version.String()})
		}
		table.Render()
	}
	if rep.Failures != nil {
		fmt.Fprintf(w, "\n%v\n", rep.Failures)
	}
	if rep.Aborted {
		fmt.Fprintln(w, "Run aborted.")
	}
}

func printGraph(w io.Writer, g *engine.Graph) {
	table := newTable(w, "Module", "References", "Paths", "Known")
	for _, n := range g.SortedNodes() {
		known := "yes"
		if !n.Known {
			known = "no"
		}
		table.Append([]string{
			n.ModuleVersion.String(),
			strconv.Itoa(len(n.References)),
			strconv.Itoa(n.Paths),
			known,
		})
	}
	table.Render()

	if len(g.Matched) > 0 {
		fmt.Fprintf(w, "\nMatched paths (%d):\n", len(g.Matched))
		for _, p := range g.Matched {
			fmt.Fprintln(w, p.Format())
		}
	}
}

func printActions(w io.Writer, entries []*store.ActionEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No actions journaled.")
		return
	}
	table := newTable(w, "ID", "Run", "Job", "Module", "Action", "At")
	for _, e := range entries {
		table.Append([]string{
			shortID(e.ID),
			e.RunID,
			e.Job,
			e.NodePath + "@" + e.Version,
			e.Description,
			formatMs(e.At),
		})
	}
	table.Render()
}

func printRuns(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs journaled.")
		return
	}
	table := newTable(w, "Run", "Job", "Started", "Duration", "Status")
	for _, r := range runs {
		duration := ""
		if r.FinishedAt != nil {
			d := time.Duration(*r.FinishedAt-r.StartedAt) * time.Millisecond
			duration = d.Round(time.Millisecond).String()
		}
		table.Append([]string{r.ID, r.Job, formatMs(r.StartedAt), duration, runStatus(r)})
	}
	table.Render()
}

func runStatus(r *store.Run) string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Failures != nil:
		return "failed"
	case r.FinishedAt == nil:
		return "running"
	default:
		return "ok"
	}
}

func printBuildLogs(w io.Writer, logs []*store.BuildLogInfo) {
	if len(logs) == 0 {
		fmt.Fprintln(w, "No build logs archived.")
		return
	}
	table := newTable(w, "ID", "Run", "Module", "Target", "Reason", "Size")
	for _, l := range logs {
		table.Append([]string{
			strconv.FormatInt(l.ID, 10),
			l.RunID,
			l.NodePath + "@" + l.Version,
			l.Target,
			l.Reason,
			strconv.FormatInt(l.Size, 10),
		})
	}
	table.Render()
}

func printWorkspaces(w io.Writer, records []*store.WorkspaceRecord, operatorRoot string) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No workspaces.")
		return
	}
	fmt.Fprintf(w, "Operator root: %s\n", operatorRoot)
	table := newTable(w, "Module", "Version", "Mode", "Path", "Updated")
	for _, r := range records {
		table.Append([]string{r.NodePath, r.Version, r.Mode, r.Path, formatMs(r.UpdatedAt)})
	}
	table.Render()
}

// printRunAnswers lists the values remembered during the run, such as "yes
// to all" answers. They are not persisted.
func printRunAnswers(w io.Writer, values map[string]string) {
	if len(values) == 0 {
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nRemembered for this run (persist with `modver props set`):")
	table := newTable(w, "Property", "Value")
	for _, name := range names {
		table.Append([]string{name, values[name]})
	}
	table.Render()
}

func printProperties(w io.Writer, list []*store.Property) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No properties set.")
		return
	}
	table := newTable(w, "Scope", "Key", "Value")
	for _, p := range list {
		scope := p.Scope
		if scope == "" {
			scope = "(all)"
		}
		table.Append([]string{scope, p.Key, p.Value})
	}
	table.Render()
}
