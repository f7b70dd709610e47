package types

// Config is the runtime-editable server configuration.
type Config struct {
	DeveloperMode bool `json:"developer_mode"`
}

// ConfigUpdateRequest changes the configuration. Omitted fields are rejected.
type ConfigUpdateRequest struct {
	DeveloperMode *bool `json:"developer_mode"`
}
