package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"slimetracker-go/pkg/log"
	"slimetracker-go/pkg/node"
)

// timeFormats are tried in order when a time spec is not a duration.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimeSpec accepts a duration back from now ("1h", "30m") or an
// absolute timestamp.
func parseTimeSpec(spec string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range timeFormats {
		if ts, err := time.ParseInLocation(layout, spec, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time specification %q: use a duration (1h, 30m) or a timestamp (2023-10-27T15:04:05Z)", spec)
}

var logsCommand = &cli.Command{
	Name:      "logs",
	Usage:     "prints log entries from the tracker's log database",
	UsageText: "tracker logs [-f FILE] [--last|--since|--between] [mode options]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "dbfile",
			Aliases: []string{"f"},
			Usage:   "log database `PATH`, relative paths resolve in the app directory",
			Value:   node.DefaultConfig().LogDB,
		},
		&cli.BoolFlag{Name: "pretty", Aliases: []string{"p"}, Usage: "human-readable output instead of raw JSON"},
		&cli.BoolFlag{Name: "last", Usage: "Mode: most recent N entries (default)"},
		&cli.BoolFlag{Name: "since", Usage: "Mode: entries since a start time"},
		&cli.BoolFlag{Name: "between", Usage: "Mode: entries between a start and end time"},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "entries for --last `NUMBER`", Value: log.DefaultLimit},
		&cli.StringFlag{Name: "start", Aliases: []string{"s"}, Usage: "start `TIME_SPEC` for --since/--between"},
		&cli.StringFlag{Name: "end", Aliases: []string{"e"}, Usage: "end `TIME_SPEC` for --between"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "max entries for --since/--between", Value: 1000},
	},
	Action: logsCmd,
}

func logsCmd(c *cli.Context) error {
	modes := 0
	for _, m := range []string{"last", "since", "between"} {
		if c.Bool(m) {
			modes++
		}
	}
	if modes > 1 {
		return cli.Exit("only one of --last, --since, --between can be given", 1)
	}

	if err := log.Open(c.String("dbfile")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cli.Exit(fmt.Sprintf("no log database at %s", c.String("dbfile")), 1)
		}
		return cli.Exit(err.Error(), 1)
	}
	defer log.Close()

	now := time.Now()
	var (
		entries []log.LogEntry
		err     error
	)
	switch {
	case c.Bool("since"):
		if !c.IsSet("start") {
			return cli.Exit("--since needs --start", 1)
		}
		start, perr := parseTimeSpec(c.String("start"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		entries, err = log.GetLogsSince(start, c.Int("limit"))
	case c.Bool("between"):
		if !c.IsSet("start") || !c.IsSet("end") {
			return cli.Exit("--between needs --start and --end", 1)
		}
		start, perr := parseTimeSpec(c.String("start"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		end, perr := parseTimeSpec(c.String("end"), now)
		if perr != nil {
			return cli.Exit(perr.Error(), 1)
		}
		if start.After(end) {
			fmt.Fprintf(os.Stderr, "Warning: start %s is after end %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		entries, err = log.GetLogsBetween(start, end, c.Int("limit"))
	default:
		if c.Int("count") <= 0 {
			return cli.Exit("--count must be positive", 1)
		}
		entries, err = log.GetLastNLogs(c.Int("count"))
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read logs: %v", err), 1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No log entries found.")
		return nil
	}
	for _, e := range entries {
		if c.Bool("pretty") {
			printPretty(c.App.Writer, e)
		} else {
			fmt.Fprintln(c.App.Writer, e.LogData)
		}
	}
	return nil
}

// printPretty renders one JSON log line as "time LEVEL [component] message key=value...".
func printPretty(w io.Writer, e log.LogEntry) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(e.LogData), &fields); err != nil {
		fmt.Fprintln(w, e.LogData)
		return
	}
	ts := e.InsertedAt.Local().Format("2006-01-02 15:04:05.000")
	level, _ := fields["level"].(string)
	msg, _ := fields["message"].(string)
	fmt.Fprintf(w, "%s %-5s", ts, level)
	if comp, ok := fields["component"].(string); ok {
		fmt.Fprintf(w, " [%s]", comp)
	}
	fmt.Fprintf(w, " %s", msg)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		switch k {
		case "level", "message", "time", "component":
			continue
		}
		fmt.Fprintf(w, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(w)
}
