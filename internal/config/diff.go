package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentsChanged bool        // true if any agent entry changed
	AgentChanges  []AgentDiff // per-agent diffs

	RecordDirChanged bool
	NewRecordDir     string
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID      string
	Changed bool
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Client.LogLevel != new.Client.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Client.LogLevel
	}

	if old.Audio.RecordDir != new.Audio.RecordDir {
		d.RecordDirChanged = true
		d.NewRecordDir = new.Audio.RecordDir
	}

	oldAgents := make(map[string]AgentConfig, len(old.Agents))
	for _, a := range old.Agents {
		oldAgents[a.ID] = a
	}
	newAgents := make(map[string]AgentConfig, len(new.Agents))
	for _, a := range new.Agents {
		newAgents[a.ID] = a
	}

	for id, oldAgent := range oldAgents {
		newAgent, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			d.AgentsChanged = true
			continue
		}
		if oldAgent != newAgent {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Changed: true})
			d.AgentsChanged = true
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
			d.AgentsChanged = true
		}
	}

	return d
}
