package display

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"compliance-backup/internal/backup"
)

const timeLayout = "2006-01-02 15:04:05"

// StatusColor maps a backup status to a theme color
func StatusColor(status backup.BackupStatus, theme ColorTheme) Color {
	switch status {
	case backup.BackupStatusCompleted:
		return theme.Success
	case backup.BackupStatusFailed:
		return theme.Error
	case backup.BackupStatusInProgress:
		return theme.Info
	case backup.BackupStatusPending:
		return theme.Warning
	default:
		return theme.Muted
	}
}

// PrintRecords renders one page of backup records
func (p *Printer) PrintRecords(page *backup.Page) error {
	switch p.config.Format() {
	case FormatJSON, FormatYAML:
		return p.Emit(page)
	case FormatCompact:
		for _, r := range page.Items {
			fmt.Fprintf(p.writer, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Status, r.CreatedAt.UTC().Format(time.RFC3339), r.Size, r.Name)
		}
		return nil
	}

	if len(page.Items) == 0 {
		p.Info("No backups found.")
		return nil
	}

	table := p.NewTable()
	table.SetHeaders([]string{"ID", "Name", "Status", "Type", "Size", "Created", "Expires"})
	table.SetColumnAlignment(4, AlignRight)
	table.SetColumnColorizer(2, func(value string) (Color, bool) {
		return StatusColor(backup.BackupStatus(value), p.theme), true
	})
	for _, r := range page.Items {
		table.AddRow([]string{
			r.ID,
			r.Name,
			string(r.Status),
			string(r.Type),
			FormatBytes(r.Size),
			r.CreatedAt.Local().Format(timeLayout),
			r.ExpiresAt.Local().Format(timeLayout),
		})
	}
	table.RenderTo(p.writer)

	shown := len(page.Items)
	p.Info(fmt.Sprintf("Showing %d-%d of %d backups", page.Offset+1, page.Offset+shown, page.Total))
	return nil
}

// PrintRecord renders the details of a single backup
func (p *Printer) PrintRecord(r *backup.BackupRecord) error {
	switch p.config.Format() {
	case FormatJSON, FormatYAML:
		return p.Emit(r)
	case FormatCompact:
		fmt.Fprintf(p.writer, "%s\t%s\t%d\t%s\n", r.ID, r.Status, r.Size, r.Checksum)
		return nil
	}

	status := p.colors.Colorize(string(r.Status), StatusColor(r.Status, p.theme))
	pairs := [][2]string{
		{"ID", r.ID},
		{"Name", r.Name},
		{"Description", r.Description},
		{"Tenant", r.TenantID},
		{"Type", string(r.Type)},
		{"Status", status},
		{"Size", FormatBytes(r.Size)},
		{"Checksum", r.Checksum},
		{"Compression", string(r.Compression)},
		{"Encrypted", strconv.FormatBool(r.Encryption)},
		{"Entities", strings.Join(r.Entities, ", ")},
		{"Window", formatWindow(r.DateFrom, r.DateTo)},
		{"Created by", r.CreatedBy},
		{"Created", r.CreatedAt.Local().Format(timeLayout)},
		{"Completed", formatOptionalTime(r.CompletedAt)},
		{"Expires", r.ExpiresAt.Local().Format(timeLayout)},
		{"Location", r.StorageLocator},
		{"Replica", r.Metadata.RemoteLocator},
		{"Error", r.ErrorMessage},
	}
	p.KeyValues(pairs)
	for _, w := range r.Metadata.Warnings {
		p.Warning(w)
	}
	return nil
}

// PrintRestoreResult renders what a restore found
func (p *Printer) PrintRestoreResult(res *backup.RestoreResult) error {
	switch p.config.Format() {
	case FormatJSON, FormatYAML:
		return p.Emit(res)
	case FormatCompact:
		for _, name := range sortedKeys(res.EntityCounts) {
			fmt.Fprintf(p.writer, "%s\t%d\n", name, res.EntityCounts[name])
		}
		fmt.Fprintf(p.writer, "files\t%d\n", res.FileCount)
		return nil
	}

	table := p.NewTable()
	table.SetHeaders([]string{"Section", "Rows"})
	table.SetColumnAlignment(1, AlignRight)
	for _, name := range sortedKeys(res.EntityCounts) {
		table.AddRow([]string{name, strconv.Itoa(res.EntityCounts[name])})
	}
	table.AddRow([]string{"files", strconv.Itoa(res.FileCount)})
	table.AddRow([]string{"config", strconv.FormatBool(res.HasConfig)})
	table.RenderTo(p.writer)

	switch {
	case res.DryRun:
		p.Info(fmt.Sprintf("Dry run of %s (format %s): nothing was written", res.BackupID, res.FormatVersion))
	case res.Applied:
		p.Success(fmt.Sprintf("Backup %s restored", res.BackupID))
	}
	return nil
}

// PrintCleanupResult renders the outcome of a retention sweep
func (p *Printer) PrintCleanupResult(res *backup.CleanupResult) error {
	switch p.config.Format() {
	case FormatJSON, FormatYAML:
		return p.Emit(res)
	case FormatCompact:
		fmt.Fprintf(p.writer, "deleted\t%d\nfailed\t%d\n", res.DeletedCount, len(res.Failed))
		return nil
	}

	p.Success(fmt.Sprintf("Deleted %d of %d expired backups in %s", res.DeletedCount, res.Scanned, res.Duration.Round(time.Millisecond)))
	if len(res.Failed) == 0 {
		return nil
	}

	table := p.NewTable()
	table.SetHeaders([]string{"Backup", "Error"})
	for _, id := range sortedKeys(res.Failed) {
		table.AddRow([]string{id, res.Failed[id]})
	}
	table.RenderTo(p.writer)
	return nil
}

// PrintMetrics renders collected operation counters
func (p *Printer) PrintMetrics(m backup.BackupMetrics) error {
	if p.config.Format().IsStructured() {
		return p.Emit(m)
	}

	table := p.NewTable()
	table.SetHeaders([]string{"Operation", "Total", "Success", "Failed", "Avg"})
	for i := 1; i <= 4; i++ {
		table.SetColumnAlignment(i, AlignRight)
	}
	for _, row := range []struct {
		name string
		om   backup.OperationMetrics
	}{
		{"backup", m.Backups},
		{"restore", m.Restores},
		{"cleanup", m.Cleanups},
	} {
		table.AddRow([]string{
			row.name,
			strconv.FormatInt(row.om.Total, 10),
			strconv.FormatInt(row.om.Success, 10),
			strconv.FormatInt(row.om.Failed, 10),
			row.om.AverageDuration.Round(time.Millisecond).String(),
		})
	}
	table.RenderTo(p.writer)
	p.KeyValues([][2]string{
		{"Bytes written", FormatBytes(m.BytesWritten)},
		{"Compression ratio", fmt.Sprintf("%.2f", m.AverageCompressionRatio)},
		{"Expired deleted", strconv.FormatInt(m.ExpiredDeleted, 10)},
	})
	return nil
}

// FormatBytes formats byte count as human readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func formatWindow(from, to *time.Time) string {
	if from == nil && to == nil {
		return ""
	}
	start, end := "*", "*"
	if from != nil {
		start = from.Local().Format(timeLayout)
	}
	if to != nil {
		end = to.Local().Format(timeLayout)
	}
	return start + " .. " + end
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
