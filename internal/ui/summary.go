package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Blaxat/VideoChat/internal/session"
)

// CallSummaryView renders the statistics of a finished call.
func CallSummaryView(stats session.Stats) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.SetTitle("%s Call Summary", IconCall)

	remote := stats.Remote
	if stats.RemoteEmail != "" {
		remote = fmt.Sprintf("%s (%s)", stats.RemoteEmail, stats.Remote)
	}

	neg := stats.Negotiation
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", stats.Room},
		{"Peer", remote},
		{"Duration", formatDuration(stats.Duration)},
		{"Tracks sent / received", fmt.Sprintf("%d / %d", stats.LocalTracks, stats.RemoteTracks)},
		{"Packets received", stats.PacketsReceived},
		{"Data received", formatBytes(stats.BytesReceived)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Offers / answers", fmt.Sprintf("%d / %d", neg.Offers, neg.Answers)},
		{"Renegotiations (requested)", fmt.Sprintf("%d (%d)", neg.Renegotiations, neg.Requests)},
		{"Glare rollbacks", neg.Rollbacks},
		{"Failed rounds", neg.Failures},
	})
	return t.Render()
}

// RenderCallSummary prints the summary unless no call took place.
func RenderCallSummary(stats session.Stats) {
	if stats.Started.IsZero() {
		return
	}
	fmt.Println()
	fmt.Println(CallSummaryView(stats))
}

func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatDuration(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm%02ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh%02dm", seconds/3600, (seconds%3600)/60)
}
