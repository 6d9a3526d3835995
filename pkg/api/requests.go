package api

// SyncWebhookRequest is the body of POST /webhooks/sync as delivered by the
// SaaS connector.
type SyncWebhookRequest struct {
	Type              string      `json:"type"`
	ConnectionID      string      `json:"connectionId"`
	ProviderConfigKey string      `json:"providerConfigKey"`
	Model             string      `json:"model"`
	SyncName          string      `json:"syncName"`
	ResponseResults   SyncResults `json:"responseResults"`
}

// SyncResults carries the raw record deltas of one sync.
type SyncResults struct {
	Added   []map[string]any `json:"added"`
	Updated []map[string]any `json:"updated"`
	Deleted []map[string]any `json:"deleted"`
}

// CreateUnitRequest is the body of POST /units.
type CreateUnitRequest struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// UnitStatusRequest is the body of PATCH /units/:id/status.
type UnitStatusRequest struct {
	Status string `json:"status"`
}

// CreateConnectionRequest is the body of POST /connections.
type CreateConnectionRequest struct {
	Provider     string `json:"provider"`
	ConnectionID string `json:"connection_id"`
}
