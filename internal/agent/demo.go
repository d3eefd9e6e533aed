package agent

import (
	"os"
	"strings"

	"heimdall/internal/core"
)

// Demo mode runs the monitor and blocker against hardcoded policy so
// the agent can be tried on any machine without a server. The mapping
// leans on executables that exist on a stock Windows install.
var demoAppGroups = map[string][]string{
	"gaming": {
		"notepad.exe",
		"calc.exe",
		"CalculatorApp.exe",
		"Minecraft.Windows.exe",
		"FortniteClient-Win64-Shipping.exe",
	},
	"browser": {
		"chrome.exe",
		"firefox.exe",
		"msedge.exe",
	},
	"streaming": {
		"Spotify.exe",
		"vlc.exe",
	},
	"productivity": {
		"WINWORD.EXE",
		"EXCEL.EXE",
		"POWERPNT.EXE",
		"Code.exe",
	},
}

// DemoAppGroupMap returns the lowercased executable-to-group mapping
// used in demo mode
func DemoAppGroupMap() map[string]string {
	out := map[string]string{}
	for groupID, exes := range demoAppGroups {
		for _, exe := range exes {
			out[strings.ToLower(exe)] = groupID
		}
	}
	return out
}

// DemoConfig returns a registration-shaped config for demo mode
func DemoConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "heimdall"
	}

	config := DefaultConfig()
	config.ServerURL = "http://demo-mode"
	config.DeviceToken = "demo-token-12345"
	config.DeviceID = "demo-device-id"
	config.ChildID = "demo-child-id"
	config.DeviceName = hostname + "-DEMO"
	config.AppGroupMap = DemoAppGroupMap()
	return config
}

// DemoRules returns a fresh copy of the demo policy. Gaming sits close
// to its limit so limit behavior shows up after a short play session.
func DemoRules() *core.ResolvedRules {
	dailyLimit := 120
	return &core.ResolvedRules{
		DayType: core.DayTypeWeekday,
		GroupLimits: []core.ResolvedGroupLimit{
			{GroupID: "gaming", MaxMinutes: 60, UsedMinutes: 45},
			{GroupID: "browser", MaxMinutes: 30, UsedMinutes: 10},
			{GroupID: "streaming", MaxMinutes: 45, UsedMinutes: 0},
			{GroupID: "productivity", MaxMinutes: 999, UsedMinutes: 0},
		},
		DailyLimitMinutes: &dailyLimit,
		TimeWindows:       []core.TimeWindow{},
		ActiveTANs:        []core.TANSnapshot{},
		CoupledDevices:    []string{},
		AppGroupMap:       DemoAppGroupMap(),
	}
}
