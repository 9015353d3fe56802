package config

// Defaults returns a config populated with safe starting values. Load applies
// the file on top of this, so new fields pick up sane values in old configs.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.tabpilot/workspace",
			LogLevel:  "info",
		},
		Browser: BrowserConfig{
			ProfileDir: "~/.tabpilot/chrome-profiles/default",
			Headless:   false,
		},
		Store: StoreConfig{
			DBPath: "~/.tabpilot/tabpilot.db",
		},
		Parser: ParserConfig{
			MaxCalls: 3,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:  10,
			RetryDelayMS: 120,
		},
		Alias: AliasConfig{
			MaxEntries:       200,
			SyncCooldownMins: 10,
		},
		ErrorLog: ErrorLogConfig{
			MaxEntries:      50,
			MaxAgeMins:      30,
			CoalesceWindowS: 15,
		},
		Mail: MailConfig{
			Enabled:        false,
			Port:           587,
			TimeoutSeconds: 15,
		},
		Integrations: IntegrationsConfig{
			RegistryPath: "~/.tabpilot/integrations.yaml",
		},
		Control: ControlConfig{
			Enabled: true,
			Port:    8081,
			Path:    "/ws",
		},
	}
}
