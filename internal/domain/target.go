package domain

const (
	// TargetTypeIncidents identifies a stateful incidents API destination.
	TargetTypeIncidents = "incidents"
	// TargetTypeTelegram identifies a stateless Telegram chat destination.
	TargetTypeTelegram = "telegram"
)

// PublishingTarget describes one external destination for formatted alerts.
// Params: destination identity, vendor type, endpoint, format id, and credentials.
// Returns: read-only descriptor supplied by target configuration.
type PublishingTarget struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Format  string `json:"format"`
	APIKey  string `json:"api_key,omitempty"`
	Enabled bool   `json:"enabled"`
}
