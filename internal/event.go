package internal

import "time"

// Event is a normalized push notification published to the message bus.
type Event struct {
	Provider   string    `json:"provider"`
	Name       string    `json:"name"`
	RequestID  string    `json:"request_id,omitempty"`
	Owner      string    `json:"owner"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit"`
	CloneURL   string    `json:"clone_url,omitempty"`
	PushedAt   time.Time `json:"pushed_at"`
	// InstallationID is the GitHub App installation that sent the push.
	InstallationID int64 `json:"installation_id,omitempty"`

	// Data is the flattened webhook payload used by rule expressions.
	Data map[string]interface{} `json:"-"`
	// RawPayload is the webhook body as received.
	RawPayload []byte `json:"-"`
}

// Fields returns the rule parameters for the event: the flattened payload
// overlaid with the normalized push fields.
func (e Event) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Data)+7)
	for key, value := range e.Data {
		out[key] = value
	}
	out["provider"] = e.Provider
	out["event"] = e.Name
	out["owner"] = e.Owner
	out["repository"] = e.Repository
	out["branch"] = e.Branch
	out["commit"] = e.Commit
	out["clone_url"] = e.CloneURL
	return out
}
