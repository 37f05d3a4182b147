package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/geofield/fieldsync"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr with the admin password redacted.
func outputError(w io.Writer, err error) {
	msg := scrubSensitiveData(err.Error())
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Error:"), msg)
		return
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
}

func scrubSensitiveData(msg string) string {
	if cfgAdminPassword != "" && strings.Contains(msg, cfgAdminPassword) {
		msg = strings.ReplaceAll(msg, cfgAdminPassword, "[REDACTED]")
	}
	return msg
}

// outputRecord prints a single record in the configured format.
func outputRecord(cmd *cobra.Command, r *fieldsync.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Recorded %s", r.ID)
	const w = 12
	printField(out, "Author", w, r.AuthorID)
	switch {
	case r.Grain != nil:
		g := r.Grain
		printField(out, "Grain size", w, string(g.GrainSize))
		if g.SizeMeasurement != nil {
			printField(out, "Size (mm)", w, fmt.Sprintf("%.2f", *g.SizeMeasurement))
		}
		if g.Quantity != nil {
			printField(out, "Quantity", w, fmt.Sprintf("%.0f", *g.Quantity))
		}
		printField(out, "GPS", w, g.GPS.Text)
		printField(out, "Observed", w, g.Timestamp.Local().Format(time.RFC3339))
		if g.Notes != "" {
			printField(out, "Notes", w, "")
			fmt.Fprintln(out, renderMarkdown(g.Notes))
		}
	case r.Flow != nil:
		f := r.Flow
		printField(out, "Depth", w, fmt.Sprintf("%.2f m", f.Depth))
		printField(out, "Velocity", w, fmt.Sprintf("%.2f m/s", f.Velocity))
		printField(out, "From bank", w, fmt.Sprintf("%.2f m", f.DistanceFromBank))
	}
	return nil
}

// outputRecords prints a record list as a table.
func outputRecords(cmd *cobra.Command, records []fieldsync.Record) error {
	if outputJSON {
		if records == nil {
			records = []fieldsync.Record{}
		}
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No records found.")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			string(r.Type),
			summarize(&r),
			r.AuthorID,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"CREATED", "TYPE", "DETAILS", "AUTHOR"}, rows))
	printMuted(out, "%d records", len(records))
	return nil
}

// summarize renders the type-specific fields of a record on one line.
func summarize(r *fieldsync.Record) string {
	switch {
	case r.Grain != nil:
		s := string(r.Grain.GrainSize)
		if r.Grain.SizeMeasurement != nil {
			s += fmt.Sprintf(" %.2fmm", *r.Grain.SizeMeasurement)
		}
		return s + " @ " + r.Grain.GPS.Text
	case r.Flow != nil:
		return fmt.Sprintf("depth %.2fm, %.2fm/s, %.2fm from bank",
			r.Flow.Depth, r.Flow.Velocity, r.Flow.DistanceFromBank)
	}
	return ""
}

// IdentityInfo is the JSON form of the active identity.
type IdentityInfo struct {
	AuthorID   string `json:"author_id"`
	Source     string `json:"source"`
	StudentID  string `json:"student_id,omitempty"`
	SkipPrompt bool   `json:"skip_prompt"`
}

func identityInfo(c *fieldsync.Client) IdentityInfo {
	return IdentityInfo{
		AuthorID:   c.AuthorID(),
		Source:     string(c.IdentitySource()),
		StudentID:  c.StudentID(),
		SkipPrompt: c.SkipStudentIDPrompt(),
	}
}

func outputIdentity(cmd *cobra.Command, info IdentityInfo) error {
	if outputJSON {
		return outputAsJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	const w = 11
	printField(out, "Author ID", w, info.AuthorID)
	printField(out, "Source", w, info.Source)
	if info.StudentID == "" {
		printMuted(out, "No Student ID set. Use 'fieldsync id set <student-id>' to add one.")
	}
	return nil
}

// StatusReport is the JSON form of the status command.
type StatusReport struct {
	Status      string                `json:"status"`
	Description string                `json:"description"`
	Remote      string                `json:"remote,omitempty"`
	Reachable   *bool                 `json:"reachable,omitempty"`
	ProbeError  string                `json:"probe_error,omitempty"`
	Stats       *fieldsync.StoreStats `json:"stats"`
}

func outputStatusReport(cmd *cobra.Command, r StatusReport) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderStatus(fieldsync.SyncStatus(r.Status)))
	fmt.Fprintln(out)

	const w = 14
	s := r.Stats
	printField(out, "Records", w, fmt.Sprintf("%d (%d grain, %d flow)", s.RecordCount, s.GrainCount, s.FlowCount))
	printField(out, "Pending push", w, fmt.Sprintf("%d", s.PendingPush))
	printField(out, "Last push", w, formatWhen(s.LastPush))
	printField(out, "Last pull", w, formatWhen(s.LastPull))
	printField(out, "Schema", w, s.SchemaVersion)

	if r.Remote == "" {
		printMuted(out, "No remote configured; records stay on this device.")
		return nil
	}
	printField(out, "Remote", w, r.Remote)
	if r.Reachable != nil && *r.Reachable {
		printSuccess(out, "Server reachable")
	} else if r.Reachable != nil {
		printWarning(out, "Server unreachable: %s", r.ProbeError)
	}
	return nil
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.RFC3339), time.Since(t).Round(time.Second))
}
