package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged, AnalysisChanged, AudioChanged and RelayChanged take
	// effect when the next session starts.
	SessionChanged    bool
	VocabularyChanged bool
	AnalysisChanged   bool
	AudioChanged      bool
	RelayChanged      bool

	// RestartRequired lists the sections whose changes only take effect after
	// a process restart.
	RestartRequired []string
}

// NextSession reports whether any change applies to the next session.
func (d ConfigDiff) NextSession() bool {
	return d.SessionChanged || d.AnalysisChanged || d.AudioChanged || d.RelayChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Session, new.Session) {
		d.SessionChanged = true
		d.VocabularyChanged = !reflect.DeepEqual(old.Session.Vocabulary, new.Session.Vocabulary)
	}
	d.AnalysisChanged = !reflect.DeepEqual(old.Analysis, new.Analysis)
	d.AudioChanged = !reflect.DeepEqual(old.Audio, new.Audio)
	d.RelayChanged = old.Relay != new.Relay

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	return d
}
