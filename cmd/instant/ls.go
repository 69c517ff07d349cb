package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinal/instant/cache"
)

var (
	headerColor = color.New(color.Bold)
	readyColor  = color.New(color.FgGreen)
	staleColor  = color.New(color.FgYellow)
	busyColor   = color.New(color.FgCyan)
	dimColor    = color.New(color.Faint)
)

func (a *app) lsCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached modules",
		Long: `Ls lists every module in the cache directory with its state:

  ready   a verified extension is cached
  stale   files exist but the next request will rebuild
  busy    another process or goroutine holds the module's lock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.client.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stderr, "No cached modules.")
				return errNoResults
			}
			if quiet {
				for _, e := range entries {
					fmt.Fprintln(a.stdout, e.Module)
				}
				return nil
			}
			renderLsTable(a.stdout, entries, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print module names only, one per line")
	return cmd
}

func entryState(e cache.Entry) string {
	switch {
	case e.InUse:
		return "busy"
	case e.Recorded:
		return "ready"
	default:
		return "stale"
	}
}

func renderLsTable(w io.Writer, entries []cache.Entry, now time.Time) {
	headers := []string{"MODULE", "STATE", "SIZE", "LAST USED", "FINGERPRINT"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	rows := make([][5]string, len(entries))
	for i, e := range entries {
		fp := "-"
		if !e.Fingerprint.IsZero() {
			fp = e.Fingerprint.Short()
		}
		rows[i] = [5]string{
			e.Module,
			entryState(e),
			formatSize(e.ArtifactSize, e.Artifact != ""),
			formatAge(e.LastUsed, now),
			fp,
		}
		for j, c := range rows[i] {
			widths[j] = max(widths[j], len(c))
		}
	}

	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}
		headerColor.Fprintf(w, "%-*s", widths[i], h)
	}
	fmt.Fprintln(w)

	for _, r := range rows {
		for i, c := range r {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			padded := fmt.Sprintf("%-*s", widths[i], c)
			switch i {
			case 1:
				stateColor(c).Fprint(w, padded)
			case 4:
				dimColor.Fprint(w, padded)
			default:
				fmt.Fprint(w, padded)
			}
		}
		fmt.Fprintln(w)
	}
}

func stateColor(state string) *color.Color {
	switch state {
	case "ready":
		return readyColor
	case "busy":
		return busyColor
	default:
		return staleColor
	}
}

func formatSize(n int64, present bool) string {
	if !present {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
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
