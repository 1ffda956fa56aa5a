package analyst

import "github.com/StrataBot/MarketMind/internal/port/agentcap"

// Kinds lists the analytical agent kinds served by the inference proxy.
var Kinds = []string{
	"market",
	"news",
	"fundamentals",
	"sentiment",
	"bull",
	"bear",
	"trader",
	"risk",
}

// Register registers every analyst-backed capability kind with the shared
// client. Called once at startup.
func Register(client *Client) {
	for _, kind := range Kinds {
		kind := kind
		agentcap.Register(kind, func(_ map[string]string) (agentcap.Capability, error) {
			return &capability{kind: kind, client: client}, nil
		})
	}
}
