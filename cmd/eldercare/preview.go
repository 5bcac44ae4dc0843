package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"eldercare/internal/recurrence"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the occurrences a schedule produces",
	Long: `Normalize a schedule selection (or parse a canonical rule) and list its
occurrences in a timezone, e.g.

  eldercare preview --frequency weekly --weekdays mon,thu --time 17:00 --tz Europe/Lisbon
  eldercare preview --rule $'DTSTART:20240101T080000Z\nRRULE:FREQ=DAILY;INTERVAL=2;BYHOUR=8;BYMINUTE=0;BYSECOND=0'`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

func init() {
	f := previewCmd.Flags()
	f.String("rule", "", "canonical rule text (DTSTART+RRULE or RDATE)")
	f.String("mode", "", "single or recurring (default recurring)")
	f.String("date", "", "date for a single reminder (YYYY-MM-DD)")
	f.String("time", "", "time of day (HH:MM)")
	f.String("frequency", "", "daily, weekly or monthly")
	f.Int("interval", 1, "repeat every N periods")
	f.StringSlice("weekdays", nil, "weekdays for weekly rules (mon,tue,...)")
	f.Int("day-of-month", 1, "day of month for monthly rules")
	f.String("start", "", "first date (YYYY-MM-DD, default today)")
	f.String("until", "", "last date (YYYY-MM-DD)")
	f.String("tz", "UTC", "timezone to resolve occurrences in")
	f.String("from", "", "window start (RFC 3339 or YYYY-MM-DD, default now)")
	f.Int("days", 14, "window length in days")
	f.Int("count", 20, "maximum occurrences to print")
	rootCmd.AddCommand(previewCmd)
}

func runPreview(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	tz, _ := f.GetString("tz")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("tz: %w", err)
	}
	now := time.Now().In(loc)

	var rule recurrence.Rule
	if raw, _ := f.GetString("rule"); strings.TrimSpace(raw) != "" {
		if rule, err = recurrence.Parse(raw); err != nil {
			return err
		}
	} else {
		sel := recurrence.Selection{}
		sel.Mode = recurrence.Mode(flagString(f.GetString("mode")))
		sel.Date = flagString(f.GetString("date"))
		sel.Time = flagString(f.GetString("time"))
		sel.Frequency = flagString(f.GetString("frequency"))
		sel.Start = flagString(f.GetString("start"))
		sel.Until = flagString(f.GetString("until"))
		sel.Weekdays, _ = f.GetStringSlice("weekdays")
		if f.Changed("interval") {
			n, _ := f.GetInt("interval")
			sel.Interval = &n
		}
		if f.Changed("day-of-month") {
			n, _ := f.GetInt("day-of-month")
			sel.DayOfMonth = &n
		}
		if rule, err = recurrence.Normalize(sel, recurrence.Today(now, loc)); err != nil {
			return err
		}
	}

	from := now
	if s, _ := f.GetString("from"); s != "" {
		if from, err = parseFrom(s, loc); err != nil {
			return err
		}
	}
	days, _ := f.GetInt("days")
	count, _ := f.GetInt("count")
	if days <= 0 || count <= 0 {
		return fmt.Errorf("days and count must be positive")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rule: %s\n", rule.Describe())
	fmt.Fprintf(out, "%s\n\n", rule)
	n := 0
	for at := range recurrence.Expand(rule, loc, from, from.AddDate(0, 0, days)) {
		fmt.Fprintf(out, "%s  (%s)\n", at.In(loc).Format("Mon 2006-01-02 15:04 MST"), at.UTC().Format(time.RFC3339))
		n++
		if n >= count {
			break
		}
	}
	if n == 0 {
		fmt.Fprintln(out, "No occurrences in window")
	}
	return nil
}

func parseFrom(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := recurrence.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("from: want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc), nil
}

func flagString(s string, _ error) string { return s }
