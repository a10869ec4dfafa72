package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/tether/internal/protocol"
)

var (
	colorSuccess = lipgloss.Color("42")
	colorError   = lipgloss.Color("196")
	colorWarning = lipgloss.Color("214")
	colorInfo    = lipgloss.Color("39")
	colorMuted   = lipgloss.Color("240")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted).Width(14)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	infoStyle    = lipgloss.NewStyle().Foreground(colorInfo)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
)

// Short formats a snapshot as one plain line for status bars.
func Short(snap *protocol.Snapshot) string {
	if snap == nil || !snap.Configured {
		return "○ not configured"
	}
	parts := []string{"○ disconnected"}
	if snap.Connected {
		parts[0] = "● connected"
	}
	parts = append(parts, fmt.Sprintf("%d tasks", snap.TaskCount))
	if snap.ActiveTask != "" {
		parts = append(parts, "running "+snap.ActiveTask)
	}
	if expired := expiredPlatforms(snap); len(expired) > 0 {
		parts = append(parts, "login expired: "+strings.Join(expired, ","))
	}
	return strings.Join(parts, " · ")
}

// Format renders the full status view.
func Format(snap *protocol.Snapshot, now time.Time) string {
	if snap == nil {
		return errorStyle.Render("no status available")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("tether"))
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	switch {
	case !snap.Configured:
		row("Server", warningStyle.Render("not configured (run `tether config set`)"))
	case snap.Connected:
		row("Server", successStyle.Render("connected")+" "+mutedStyle.Render(snap.URL))
	default:
		row("Server", errorStyle.Render(string(orDisconnected(snap.State))))
	}
	if snap.Badge != "" {
		row("Badge", warningStyle.Render(snap.Badge))
	}
	row("Tasks", fmt.Sprintf("%d", snap.TaskCount))
	if snap.LastSync.IsZero() {
		row("Last sync", mutedStyle.Render("never"))
	} else {
		row("Last sync", Ago(snap.LastSync.Time(), now))
	}
	if snap.ActiveTask != "" {
		row("Active", infoStyle.Render(snap.ActiveTask))
	}
	if expired := expiredPlatforms(snap); len(expired) > 0 {
		row("Login", errorStyle.Render("expired: "+strings.Join(expired, ", ")))
	}
	if snap.WorkerDegraded != "" {
		row("Worker", errorStyle.Render("degraded: "+snap.WorkerDegraded))
	} else if id := snap.Extra["worker"]; id != "" {
		row("Worker", id)
	}

	if len(snap.Logs) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Recent activity"))
		b.WriteString("\n")
		for _, entry := range snap.Logs {
			b.WriteString(FormatLog(entry))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatLog renders one activity entry.
func FormatLog(entry protocol.LogEntry) string {
	ts := mutedStyle.Render(entry.Timestamp.Time().Local().Format("15:04:05"))
	return ts + " " + levelStyle(entry.Level).Render(fmt.Sprintf("%-7s", entry.Level)) + " " + entry.Message
}

func levelStyle(level protocol.LogLevel) lipgloss.Style {
	switch level {
	case protocol.LevelSuccess:
		return successStyle
	case protocol.LevelError:
		return errorStyle
	case protocol.LevelWarn:
		return warningStyle
	default:
		return infoStyle
	}
}

// Ago formats the time since t in a compact form.
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func expiredPlatforms(snap *protocol.Snapshot) []string {
	var out []string
	for platform, expired := range snap.LoginExpired {
		if expired {
			out = append(out, platform)
		}
	}
	sort.Strings(out)
	return out
}

func orDisconnected(state protocol.ConnectionState) protocol.ConnectionState {
	if state == "" {
		return protocol.StateDisconnected
	}
	return state
}
