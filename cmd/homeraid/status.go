package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"homeraid/pkg/types"
	"homeraid/pkg/utils"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("63")).
			MarginBottom(1)

	healthyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	degradedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	offlineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(16)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <config-id>",
		Short: "Show array health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			svc, cleanup, err := buildService(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := svc.ArrayStatus(types.ConfigID(args[0]))
			if err != nil {
				return err
			}

			pending, lost, err := svc.ListPendingChunks(st.ConfigID)
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Array " + string(st.ConfigID)))

			verdict := healthyStyle.Render("HEALTHY")
			if st.Degraded {
				verdict = degradedStyle.Render("DEGRADED")
			}
			fmt.Printf("%s %s\n", labelStyle.Render("State"), verdict)
			fmt.Printf("%s %d online / %d offline of %d devices\n",
				labelStyle.Render("Devices"), st.Online, st.Offline, st.Total)
			fmt.Printf("%s %d awaiting reconstruction\n", labelStyle.Render("Pending chunks"), len(pending))
			if len(lost) > 0 {
				fmt.Printf("%s %s\n", labelStyle.Render("Lost chunks"),
					degradedStyle.Render(fmt.Sprintf("%d UNRECOVERABLE", len(lost))))
			}
			return nil
		},
	}
}

func printDevices(devices []*types.Device, offlineThreshold time.Duration) {
	now := time.Now()
	for _, d := range devices {
		state := healthyStyle.Render("online")
		switch {
		case d.Retired:
			state = offlineStyle.Render("retired")
		case !d.Online(now, offlineThreshold):
			state = degradedStyle.Render("offline")
		}
		fmt.Printf("%-22s %-8s %-8s %10s free of %-10s last seen %s\n",
			d.ID, d.Platform, state,
			utils.FormatDataSize(d.AvailableCapacity),
			utils.FormatDataSize(d.TotalCapacity),
			d.LastSeen.Format(time.RFC3339))
	}
}

func printEvents(events []*types.HealingEvent) {
	for _, e := range events {
		trigger := string(e.Trigger)
		switch e.Trigger {
		case types.TriggerDegraded, types.TriggerUnrecoverable:
			trigger = degradedStyle.Render(trigger)
		case types.TriggerHealthy:
			trigger = healthyStyle.Render(trigger)
		}
		fmt.Printf("%s  %-16s config=%s online=%d offline=%d flagged=%d repaired=%d lost=%d",
			e.CreatedAt.Format("2006-01-02 15:04:05"), trigger, e.ConfigID,
			e.OnlineDevices, e.OfflineDevices, e.FlaggedChunks, e.RepairedChunks, e.Unrecoverable)
		if e.Detail != "" {
			fmt.Printf("  %s", e.Detail)
		}
		fmt.Println()
	}
}
