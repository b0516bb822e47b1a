package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WakeWordChanged bool
	WakeWordEnabled bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied without a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.WakeWordChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.WakeWord.IsEnabled() != new.WakeWord.IsEnabled() {
		d.WakeWordChanged = true
		d.WakeWordEnabled = new.WakeWord.IsEnabled()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !sameWakeWordEngine(old.WakeWord, new.WakeWord) {
		d.RestartRequired = append(d.RestartRequired, "wake_word")
	}
	if old.Transcription != new.Transcription {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Token != new.Token {
		d.RestartRequired = append(d.RestartRequired, "token")
	}
	if old.TokenServer != new.TokenServer {
		d.RestartRequired = append(d.RestartRequired, "token_server")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if old.TranscriptLog != new.TranscriptLog {
		d.RestartRequired = append(d.RestartRequired, "transcript_log")
	}
	if old.Debug != new.Debug {
		d.RestartRequired = append(d.RestartRequired, "debug")
	}

	return d
}

// sameWakeWordEngine compares the wake-word fields other than enablement.
func sameWakeWordEngine(a, b WakeWordConfig) bool {
	return a.AccessKey == b.AccessKey &&
		a.Keyword == b.Keyword &&
		a.KeywordPath == b.KeywordPath &&
		a.ModelPath == b.ModelPath &&
		a.Sensitivity == b.Sensitivity &&
		a.StripsTranscript() == b.StripsTranscript()
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
