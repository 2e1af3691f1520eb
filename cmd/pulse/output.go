package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

func statusStyle(status string) lipgloss.Style {
	switch schema.ExecutionStatus(status) {
	case schema.ExecutionCompleted:
		return okStyle
	case schema.ExecutionFailed:
		return failStyle
	case schema.ExecutionWaiting:
		return waitStyle
	case schema.ExecutionRunning:
		return runStyle
	default:
		return mutedStyle
	}
}

// statusColumn is the column of executionTable that holds the status.
const statusColumn = 2

func executionTable(execs []*store.Execution) string {
	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, []string{
			e.ID,
			e.WorkflowID,
			string(e.Status),
			e.CurrentNodeID,
			e.EntityID,
			e.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("ID", "WORKFLOW", "STATUS", "NODE", "ENTITY", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col]).Padding(0, 1)
			}
			return cellStyle
		})
	return t.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printExecution(w io.Writer, e *store.Execution) {
	fmt.Fprintf(w, "%s  %s\n", e.ID, statusStyle(string(e.Status)).Render(string(e.Status)))
	fmt.Fprintf(w, "  workflow: %s (v%d)\n", e.WorkflowID, e.WorkflowVersion)
	if e.CurrentNodeID != "" {
		fmt.Fprintf(w, "  node:     %s\n", e.CurrentNodeID)
	}
	if e.EntityID != "" {
		fmt.Fprintf(w, "  entity:   %s\n", e.EntityID)
	}
	if e.RuleID != "" {
		fmt.Fprintf(w, "  rule:     %s\n", e.RuleID)
	}
	if e.ResumeAt != nil {
		fmt.Fprintf(w, "  resumes:  %s\n", e.ResumeAt.UTC().Format(time.RFC3339))
	}
	if e.ResumeData != nil && e.ResumeData.Token != "" {
		fmt.Fprintf(w, "  token:    %s\n", e.ResumeData.Token)
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:    %s\n", failStyle.Render(e.ErrorMessage))
	}
	fmt.Fprintf(w, "  steps:    %d\n", e.StepCount)
}
