package app

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/loydmilligan/vinylvault/internal/model"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

const timeLayout = "2006-01-02 15:04:05"

// renderTable はヘッダーと行から罫線付きの表を描画する。
// 行の列数が足りない場合は空文字で埋める。
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// renderSyncSummary は同期1回分の結果を項目・値の2列で描画する。
func renderSyncSummary(s model.SyncState) string {
	rows := [][]string{
		{"Run ID", s.RunID},
		{"Status", string(s.Status)},
		{"Mode", syncMode(s.ForceFull)},
		{"Processed", strconv.Itoa(s.ProcessedCount)},
		{"Total", strconv.Itoa(s.TotalCount)},
		{"Progress", fmt.Sprintf("%.1f%%", s.ProgressPercent())},
		{"Errors", strconv.Itoa(s.ErrorCount)},
		{"Duration", formatDuration(s.StartedAt, s.FinishedAt)},
	}
	if s.LastError != nil {
		rows = append(rows, []string{"Last error", *s.LastError})
	}
	if s.LastErrorKind != "" {
		rows = append(rows, []string{"Error kind", string(s.LastErrorKind)})
	}
	return renderTable([]string{"Item", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

// renderSyncHistory は同期履歴を1行1実行で描画する。
func renderSyncHistory(entries []model.SyncLogEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.SyncedAt.Local().Format(timeLayout),
			string(e.Status),
			strconv.Itoa(e.ItemsSynced),
			msg,
		})
	}
	return renderTable(
		[]string{"ID", "Synced at", "Status", "Items", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func syncMode(forceFull bool) string {
	if forceFull {
		return "full"
	}
	return "incremental"
}

func formatDuration(started, finished *time.Time) string {
	if started == nil || finished == nil {
		return "-"
	}
	return finished.Sub(*started).Round(time.Millisecond).String()
}
