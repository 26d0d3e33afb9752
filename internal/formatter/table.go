package formatter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/process"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/dustin/go-humanize"
)

// TableFormatter renders lipgloss tables: striped lists for collections and
// two column key/value tables for single records.
type TableFormatter struct {
	head   lipgloss.Style
	cell   lipgloss.Style
	stripe [2]lipgloss.Style
	border lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	accent := lipgloss.Color("99")
	padded := lipgloss.NewStyle().Padding(0, 1)

	return &TableFormatter{
		head: padded.Foreground(accent).Bold(true).Align(lipgloss.Center),
		cell: padded,
		stripe: [2]lipgloss.Style{
			padded.Foreground(lipgloss.Color("241")),
			padded.Foreground(lipgloss.Color("245")),
		},
		border: lipgloss.NewStyle().Foreground(accent),
	}
}

// list builds a striped table with the given headers.
func (f *TableFormatter) list(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return f.head
			}
			return f.stripe[row%2]
		}).
		Headers(headers...)
}

// detail builds a two column key/value table.
func (f *TableFormatter) detail() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.head
			}
			return f.cell
		})
}

func (f *TableFormatter) FormatBundles(infos []bundle.BundleInfo) (string, error) {
	if len(infos) == 0 {
		return "No bundles found", nil
	}

	t := f.list("Name", "Index", "User", "UID", "Version", "System", "Installed")
	for _, bi := range infos {
		t.Row(
			truncateString(bi.Name, 40),
			strconv.Itoa(bi.AppIndex),
			strconv.Itoa(bi.UserID),
			strconv.Itoa(bi.UID),
			version(bi),
			yesNo(bi.IsSystemApp),
			ago(bi.InstallTime),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatBundle(info *bundle.BundleInfo) (string, error) {
	if info == nil {
		return "No bundle found", nil
	}

	modules := make([]string, len(info.Modules))
	for i, m := range info.Modules {
		modules[i] = m.Name
	}

	t := f.detail()
	t.Row("Name", info.Name)
	t.Row("App index", strconv.Itoa(info.AppIndex))
	if info.DLPType != 0 {
		t.Row("DLP type", strconv.Itoa(info.DLPType))
	}
	t.Row("User", strconv.Itoa(info.UserID))
	t.Row("UID", strconv.Itoa(info.UID))
	t.Row("Version", version(*info))
	t.Row("System app", yesNo(info.IsSystemApp))
	t.Row("Removable", yesNo(info.Removable))
	t.Row("Installed", ago(info.InstallTime))
	t.Row("Modules", strings.Join(modules, ", "))
	return t.String(), nil
}

func (f *TableFormatter) FormatReport(report *aging.Report) (string, error) {
	if report == nil {
		return "No aging report", nil
	}

	t := f.detail()
	t.Row("Run", report.RunID)
	t.Row("Trigger", report.Trigger)
	t.Row("Ran", yesNo(report.Ran))
	if report.Reason != "" {
		t.Row("Reason", report.Reason)
	}
	t.Row("Threshold", bytes(report.Threshold))
	t.Row("Target", bytes(report.EndBytes))
	t.Row("Before", bytes(report.BytesBefore))
	t.Row("After", bytes(report.BytesAfter))
	t.Row("Reached", yesNo(report.Reached))
	t.Row("Duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String())

	out := t.String()
	if len(report.Evicted) > 0 {
		out += "\nEvicted\n" + f.candidates(report.Evicted)
	}
	if len(report.Skipped) > 0 {
		st := f.list("Bundle", "UID", "Handler", "Reason")
		for _, s := range report.Skipped {
			st.Row(truncateString(s.BundleName, 40), strconv.Itoa(s.UID), s.Handler, s.Reason)
		}
		out += "\nSkipped\n" + st.String()
	}
	return out, nil
}

func (f *TableFormatter) FormatPlan(plan *aging.Plan) (string, error) {
	if plan == nil {
		return "No aging plan", nil
	}

	t := f.detail()
	t.Row("Total data", bytes(plan.TotalDataBytes))
	t.Row("Threshold", bytes(plan.Threshold))
	t.Row("Target", bytes(plan.EndBytes))
	t.Row("Over threshold", yesNo(plan.StartReached))
	t.Row("Handlers", strings.Join(plan.Handlers, " -> "))

	out := t.String()
	if len(plan.Candidates) == 0 {
		return out + "\nNo candidates", nil
	}
	return out + "\nCandidates\n" + f.candidates(plan.Candidates), nil
}

func (f *TableFormatter) candidates(infos []aging.AgingBundleInfo) string {
	t := f.list("Bundle", "UID", "User", "Data", "Last used")
	for _, c := range infos {
		t.Row(
			truncateString(c.BundleName, 40),
			strconv.Itoa(c.UID),
			strconv.Itoa(c.UserID),
			bytes(c.DataBytes),
			ago(c.RecentlyUsedTime),
		)
	}
	return t.String()
}

func (f *TableFormatter) FormatEvents(events []bundle.Event) (string, error) {
	if len(events) == 0 {
		return "No events found", nil
	}

	t := f.list("Time", "Type", "Bundle", "Index", "User", "Result", "Message")
	for _, e := range events {
		t.Row(
			e.Timestamp.Local().Format(time.DateTime),
			string(e.Type),
			truncateString(e.BundleName, 40),
			strconv.Itoa(e.AppIndex),
			strconv.Itoa(e.UserID),
			strconv.Itoa(int(e.ResultCode)),
			truncateString(e.Message, 40),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatProcesses(launches []process.Launch) (string, error) {
	if len(launches) == 0 {
		return "No running bundles", nil
	}

	t := f.list("Run", "Bundle", "UID", "Started")
	for _, l := range launches {
		t.Row(l.RunID, truncateString(l.BundleName, 40), strconv.Itoa(l.UID), ago(l.StartedAt))
	}
	return t.String(), nil
}

func version(bi bundle.BundleInfo) string {
	if bi.VersionName == "" {
		return strconv.Itoa(bi.VersionCode)
	}
	return fmt.Sprintf("%s (%d)", bi.VersionName, bi.VersionCode)
}

func bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
