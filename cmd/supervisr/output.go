package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/supervisr/pkg/client"
)

// printer renders API results either as aligned tables or as indented JSON.
type printer struct {
	out  io.Writer
	json bool
}

func (p printer) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, string(b))
	return err
}

func (p printer) table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func (p printer) done(verb, ref string) error {
	if p.json {
		return p.printJSON(map[string]string{"status": verb, "service": ref})
	}
	_, err := fmt.Fprintf(p.out, "%s %s\n", verb, ref)
	return err
}

func (p printer) added(res client.AddResponse) error {
	if p.json {
		return p.printJSON(res)
	}
	_, err := fmt.Fprintf(p.out, "added %s (id %d)\n", res.Name, res.ID)
	return err
}

func (p printer) services(sts []client.ServiceStatus) error {
	if p.json {
		return p.printJSON(sts)
	}
	rows := make([][]string, 0, len(sts))
	for _, s := range sts {
		rows = append(rows, []string{
			strconv.FormatUint(s.ID, 10),
			s.Name,
			s.State,
			pid(s.PID),
			yesNo(s.Active),
			uptime(s),
			strconv.Itoa(s.Crashes),
			relative(s.NextWake),
		})
	}
	return p.table([]string{"ID", "NAME", "STATE", "PID", "ACTIVE", "UPTIME", "CRASHES", "NEXT"}, rows)
}

func (p printer) service(s client.ServiceStatus) error {
	if p.json {
		return p.printJSON(s)
	}
	rows := [][]string{
		{"id", strconv.FormatUint(s.ID, 10)},
		{"name", s.Name},
		{"state", s.State},
		{"active", yesNo(s.Active)},
		{"pid", pid(s.PID)},
		{"run", dash(s.RunID)},
		{"uptime", uptime(s)},
		{"exit", exit(s)},
		{"crashes", strconv.Itoa(s.Crashes)},
		{"schedule", dash(s.Schedule)},
		{"last fire", relative(s.LastFire)},
		{"next fire", relative(s.NextFire)},
		{"next wake", relative(s.NextWake)},
		{"last error", dash(s.LastError)},
	}
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func (p printer) schedule(entries []client.ScheduleEntry) error {
	if p.json {
		return p.printJSON(entries)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatUint(e.ID, 10),
			e.Name,
			e.Schedule,
			yesNo(e.Active),
			e.State,
			relative(e.LastFire),
			relative(e.NextFire),
		})
	}
	return p.table([]string{"ID", "NAME", "SCHEDULE", "ACTIVE", "STATE", "LAST", "NEXT"}, rows)
}

func (p printer) definitions(defs []client.Definition) error {
	if p.json {
		return p.printJSON(defs)
	}
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		cmdline := strings.TrimSpace(d.Command.Path + " " + strings.Join(d.Command.Args, " "))
		restart := "-"
		if d.RestartInterval > 0 {
			restart = d.RestartInterval.String()
		}
		rows = append(rows, []string{
			strconv.FormatUint(d.ID, 10),
			d.Name,
			yesNo(d.Active),
			dash(d.Schedule),
			restart,
			cmdline,
		})
	}
	return p.table([]string{"ID", "NAME", "ACTIVE", "SCHEDULE", "RESTART", "COMMAND"}, rows)
}

func (p printer) history(events []client.HistoryEvent) error {
	if p.json {
		return p.printJSON(events)
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		r := e.Record
		change := "-"
		if r.From != "" || r.To != "" {
			change = r.From + " -> " + r.To
		}
		code := "-"
		switch {
		case r.Signal != "":
			code = "signal " + r.Signal
		case r.ExitCode != nil:
			code = strconv.Itoa(*r.ExitCode)
		}
		rows = append(rows, []string{
			e.OccurredAt.Local().Format(time.DateTime),
			e.Type,
			pid(r.PID),
			change,
			code,
			strconv.Itoa(r.Crashes),
			dash(r.Error),
		})
	}
	return p.table([]string{"TIME", "EVENT", "PID", "STATE", "EXIT", "CRASHES", "ERROR"}, rows)
}

func pid(p int) string {
	if p == 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func relative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func uptime(s client.ServiceStatus) string {
	if s.State != "running" || s.UptimeSeconds <= 0 {
		return "-"
	}
	return time.Duration(s.UptimeSeconds * float64(time.Second)).Round(time.Second).String()
}

func exit(s client.ServiceStatus) string {
	switch {
	case s.Signal != "":
		return "signal " + s.Signal
	case s.ExitCode != nil:
		return strconv.Itoa(*s.ExitCode)
	default:
		return "-"
	}
}

func (p printer) logFiles(files []client.LogFile) error {
	if p.json {
		return p.printJSON(files)
	}
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		note := ""
		switch {
		case f.Current:
			note = "live"
		case f.Compressed:
			note = "gzip"
		}
		rows = append(rows, []string{
			f.Stream,
			humanize.IBytes(uint64(f.Size)),
			humanize.Time(f.ModTime),
			dash(note),
			f.Path,
		})
	}
	return p.table([]string{"STREAM", "SIZE", "MODIFIED", "NOTE", "PATH"}, rows)
}
