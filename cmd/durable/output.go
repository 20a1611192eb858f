package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/deepnoodle-ai/durable"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

var statusColors = map[string]lipgloss.Color{
	string(durable.StatusCompleted): lipgloss.Color("10"),
	string(durable.StatusFailed):    lipgloss.Color("9"),
	string(durable.StatusPaused):    lipgloss.Color("11"),
	string(durable.StatusRunning):   lipgloss.Color("12"),
	string(durable.StatusCancelled): lipgloss.Color("13"),
	string(durable.StepWaiting):     lipgloss.Color("11"),
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func statusText(status string) string {
	if c, ok := statusColors[status]; ok {
		return lipgloss.NewStyle().Foreground(c).Render(status)
	}
	return status
}

func workflowTable(workflows []*durable.Workflow) string {
	t := newTable("ID", "NAME", "STATUS", "MODE", "STEPS", "CREATED")
	for _, wf := range workflows {
		done := 0
		for _, step := range wf.Steps {
			if step.Status == durable.StepCompleted {
				done++
			}
		}
		t.Row(wf.ID, wf.Name, statusText(string(wf.Status)), string(wf.Mode),
			fmt.Sprintf("%d/%d", done, len(wf.Steps)),
			wf.CreatedAt.Local().Format(time.DateTime))
	}
	return t.Render()
}

func stepTable(steps []*durable.Step) string {
	t := newTable("STEP", "AGENT", "STATUS", "RETRIES", "DEPENDS ON", "NOTE")
	for _, step := range steps {
		note := step.WaitingMessage
		if step.Error != nil {
			note = step.Error.Error()
		}
		t.Row(step.Name, step.Agent, statusText(string(step.Status)),
			fmt.Sprintf("%d/%d", step.RetryCount, step.MaxRetries),
			strings.Join(step.DependsOn, ", "), truncate(note, 60))
	}
	return t.Render()
}

func episodeTable(episodes []*durable.Episode) string {
	t := newTable("TIME", "TYPE", "OUTCOME", "SUMMARY")
	for _, ep := range episodes {
		t.Row(ep.CreatedAt.Local().Format(time.DateTime), string(ep.Type), ep.Outcome, truncate(ep.Summary, 70))
	}
	return t.Render()
}

func showWorkflow(wf *durable.Workflow, config *Config) error {
	if config.JSON {
		return printJSON(wf)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%s)", wf.Name, wf.ID)))
	fmt.Printf("Status: %s\n", statusText(string(wf.Status)))
	if wf.Mode != "" {
		fmt.Printf("Mode: %s\n", wf.Mode)
	}
	fmt.Printf("Context: %s\n", wf.ContextID)
	if wf.Error != nil {
		color.Red("Error: %v", wf.Error)
	}
	if wf.CancelReason != "" {
		fmt.Printf("Cancelled: %s\n", wf.CancelReason)
	}
	fmt.Println(stepTable(wf.Steps))
	if wf.Output != nil {
		fmt.Println("Output:")
		printValue(wf.Output)
	}
	return nil
}

func showResult(res *durable.ExecutionResult, config *Config) error {
	if config.JSON {
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Error != nil {
			return res.Error
		}
		return nil
	}
	for _, sr := range res.StepResults {
		switch {
		case sr.Success():
			color.Green("✓ %s (%v)", sr.StepName, sr.Duration.Round(time.Millisecond))
		case sr.Waiting():
			color.Yellow("⏸ %s: %s", sr.StepName, sr.WaitingMessage())
		default:
			color.Red("✗ %s: %v", sr.StepName, sr.Err())
		}
	}
	switch {
	case res.Paused:
		color.Yellow("Workflow %s paused at step %s", res.WorkflowID, res.PausedAt.StepName)
		if res.PausedAt.Message != "" {
			color.Yellow("  %s", res.PausedAt.Message)
		}
		color.Cyan("Resume with: durable resume -input key=value %s", res.WorkflowID)
		return nil
	case res.Success:
		color.Green("Workflow %s completed in %v", res.WorkflowID, res.Duration.Round(time.Millisecond))
		if res.Output != nil {
			fmt.Println("Output:")
			printValue(res.Output)
		}
		return nil
	case res.Error != nil:
		return res.Error
	default:
		return fmt.Errorf("workflow %s finished as %s", res.WorkflowID, res.Status)
	}
}

func printValue(v any) {
	if s, ok := v.(string); ok {
		fmt.Println(s)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
