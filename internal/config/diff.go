package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// DialogueChanged is true if any dialogue setting changed. These apply to
	// the next turn without a restart.
	DialogueChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Reloadable reports whether every change in d can be applied live.
func (d ConfigDiff) Reloadable() bool { return len(d.RestartRequired) == 0 }

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.DialogueChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DialogueChanged = !dialogueEqual(old.Dialogue, new.Dialogue)

	// Log level is live; the rest of the server block is not.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"vectorstore", old.VectorStore, new.VectorStore},
		{"lore", old.Lore, new.Lore},
		{"places", old.Places, new.Places},
		{"intent", old.Intent, new.Intent},
		{"capture", old.Capture, new.Capture},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

// dialogueEqual compares two dialogue blocks, treating Temperature by value.
func dialogueEqual(a, b DialogueConfig) bool {
	ta, tb := a.Temperature, b.Temperature
	a.Temperature, b.Temperature = nil, nil
	if a != b {
		return false
	}
	switch {
	case ta == nil && tb == nil:
		return true
	case ta == nil || tb == nil:
		return false
	}
	return *ta == *tb
}
