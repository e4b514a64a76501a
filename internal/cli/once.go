package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"eventmap/internal/model"
	"eventmap/internal/pipeline"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	colorGreen   = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#25D366"}

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Width(12)

	nameStyle = lipgloss.NewStyle().Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(colorDim)

	okStyle = lipgloss.NewStyle().Foreground(colorGreen)

	warnStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)
)

func newOnceCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one ingestion cycle and print the merged events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, _, err := a.service.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("ingestion cycle: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeEventsJSON(out, snap)
			}
			renderSnapshot(out, snap, time.Now(), root.cfg.Location())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}

// renderSnapshot prints a styled list of the snapshot's events followed by
// a per-feed summary.
func renderSnapshot(w io.Writer, snap pipeline.Snapshot, now time.Time, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("eventmap · cycle %d · %d events", snap.Seq, len(snap.Events))))
	if snap.Fallback {
		fmt.Fprintln(w, warnStyle.Render("All feeds failed; showing fallback events."))
	}
	fmt.Fprintln(w)

	for _, ev := range snap.Events {
		start := ev.Start.In(loc)
		pin := dimStyle.Render("○")
		if ev.HasCoords() {
			pin = okStyle.Render("●")
		}
		location := ev.LocationText
		if location == "" {
			location = "Location TBA"
		}
		fmt.Fprintf(w, "%s %s %s\n", pin, labelStyle.Render(model.DayLabel(now, start)), nameStyle.Render(ev.Name))
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("%s (%s) · %s",
			start.Format("Mon Jan 2 15:04"),
			humanize.RelTime(start, now, "ago", "from now"),
			location,
		)))
	}

	if len(snap.Feeds) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("feeds"))
	for _, f := range snap.Feeds {
		status := okStyle.Render("ok")
		if f.Error != "" {
			status = warnStyle.Render("failed: " + f.Error)
		}
		extra := ""
		if f.FromCache {
			extra = dimStyle.Render(" (not modified)")
		}
		fmt.Fprintf(w, "  %-20s %s events  %s%s\n", f.FeedID, humanize.Comma(int64(f.Events)), status, extra)
	}
}

type jsonEvent struct {
	Key      model.EventKey     `json:"key"`
	Name     string             `json:"name"`
	Start    time.Time          `json:"start"`
	End      time.Time          `json:"end"`
	AllDay   bool               `json:"all_day"`
	Location string             `json:"location"`
	URL      string             `json:"url,omitempty"`
	FeedID   string             `json:"feed_id"`
	Coords   *model.Coordinates `json:"coords,omitempty"`
}

func writeEventsJSON(w io.Writer, snap pipeline.Snapshot) error {
	events := make([]jsonEvent, 0, len(snap.Events))
	for _, ev := range snap.Events {
		events = append(events, jsonEvent{
			Key:      ev.Key(),
			Name:     ev.Name,
			Start:    ev.Start,
			End:      ev.End,
			AllDay:   ev.AllDay,
			Location: strings.TrimSpace(ev.LocationText),
			URL:      ev.URL,
			FeedID:   ev.SourceFeedID,
			Coords:   ev.Coords,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Seq      uint64                `json:"seq"`
		Fallback bool                  `json:"fallback"`
		Feeds    []pipeline.FeedReport `json:"feeds"`
		Events   []jsonEvent           `json:"events"`
	}{snap.Seq, snap.Fallback, snap.Feeds, events})
}
