package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointKind says how the bus reaches an agent.
type EndpointKind string

const (
	// EndpointMailbox agents poll their mailbox. No push.
	EndpointMailbox EndpointKind = "mailbox"

	// EndpointWebhook agents receive an HTTP POST per message.
	EndpointWebhook EndpointKind = "webhook"

	// EndpointBus agents subscribe to a message bus subject.
	EndpointBus EndpointKind = "bus"
)

// ParseEndpoint classifies an endpoint string and returns its target:
//
//	""  or "mailbox:"            -> EndpointMailbox
//	"http://..." "https://..."   -> EndpointWebhook, target is the URL
//	"bus:<subject>"              -> EndpointBus, target is the subject
func ParseEndpoint(endpoint string) (EndpointKind, string, error) {
	switch {
	case endpoint == "" || strings.HasPrefix(endpoint, "mailbox:"):
		return EndpointMailbox, "", nil

	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return "", "", fmt.Errorf("invalid webhook endpoint %q", endpoint)
		}
		return EndpointWebhook, endpoint, nil

	case strings.HasPrefix(endpoint, "bus:"):
		subject := strings.TrimPrefix(endpoint, "bus:")
		if subject == "" || strings.ContainsAny(subject, " \t*>") {
			return "", "", fmt.Errorf("invalid bus endpoint %q", endpoint)
		}
		return EndpointBus, subject, nil

	default:
		return "", "", fmt.Errorf("unsupported endpoint %q", endpoint)
	}
}

// Pushable reports whether the bus should push messages to this agent.
func (r Registration) Pushable() bool {
	kind, _, err := ParseEndpoint(r.Endpoint)
	return err == nil && kind != EndpointMailbox
}
