package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/justestif/bugbeats/internal/auth"
	"github.com/justestif/bugbeats/internal/events"
	"github.com/justestif/bugbeats/internal/playback"
)

// printUsersTable lists stored users and whether each can be refreshed.
func printUsersTable(creds []auth.Credential) {
	if len(creds) == 0 {
		color.Yellow("No stored users. Visit /login to connect Spotify.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "User", "Access Token", "Refresh Token"})

	for i, c := range creds {
		t.AppendRow(table.Row{
			i + 1,
			color.New(color.Bold).Sprint(c.UserID),
			present(c.AccessToken != ""),
			present(c.RefreshToken != ""),
		})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}

// printDevicesTable displays a user's Spotify Connect devices.
func printDevicesTable(userID string, devices []playback.Device) {
	fmt.Println()
	color.New(color.FgCyan).Printf("Devices for %s\n", userID)

	if len(devices) == 0 {
		color.Yellow("No devices found. Open Spotify on a device first.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Name", "Type", "Status", "Device ID"})

	for i, d := range devices {
		status := "Inactive"
		if d.Active {
			status = color.GreenString("● Active")
		}
		t.AppendRow(table.Row{
			i + 1,
			color.New(color.Bold).Sprint(d.Name),
			d.Type,
			status,
			color.HiBlackString(d.ID),
		})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}

// printCuesTable shows the cue played for each event.
func printCuesTable() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Event", "Track", "Start", "Stops After"})

	appendCue := func(label string, kind events.Kind, subcode string) {
		cue, err := events.Resolve(kind, subcode)
		if err != nil {
			return
		}
		t.AppendRow(table.Row{label, cue.TrackURI, cue.StartPosition, cue.StopAfter})
	}

	appendCue(string(events.KindSuccess), events.KindSuccess, "")
	for _, code := range events.Subcodes() {
		appendCue("error/"+code, events.KindError, code)
	}
	appendCue("error/"+events.UnknownError+" (fallback)", events.KindError, events.UnknownError)

	t.SetStyle(table.StyleRounded)
	t.Render()
}

func present(ok bool) string {
	if ok {
		return color.GreenString("yes")
	}
	return color.RedString("missing")
}
