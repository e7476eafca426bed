package types

import "github.com/cygnus-agents/paycore"

// DemandExtension adds data under Key to every demand a payee issues.
type DemandExtension interface {
	Key() string
	Enrich(demand paycore.Demand) interface{}
}

// ExtensionChannels advertises where a payee accepts channel traffic.
const ExtensionChannels = "channels"

// ChannelEndpoint is the value of the channels extension.
type ChannelEndpoint struct {
	URL     string `json:"url"`
	Address string `json:"address"`
}

// ChannelEndpointExtension advertises a fixed channel endpoint.
type ChannelEndpointExtension struct {
	Endpoint ChannelEndpoint
}

func (e ChannelEndpointExtension) Key() string { return ExtensionChannels }

func (e ChannelEndpointExtension) Enrich(paycore.Demand) interface{} { return e.Endpoint }

// Apply runs every extension over envelope.
func Apply(envelope *DemandEnvelope, extensions ...DemandExtension) {
	for _, ext := range extensions {
		if envelope.Extensions == nil {
			envelope.Extensions = make(map[string]interface{})
		}
		envelope.Extensions[ext.Key()] = ext.Enrich(envelope.Demand)
	}
}

// ChannelEndpointOf returns the advertised channel endpoint. Decoded
// envelopes carry extensions as generic maps.
func ChannelEndpointOf(envelope *DemandEnvelope) (ChannelEndpoint, bool) {
	raw, ok := envelope.Extensions[ExtensionChannels]
	if !ok {
		return ChannelEndpoint{}, false
	}
	switch v := raw.(type) {
	case ChannelEndpoint:
		return v, v.URL != ""
	case map[string]interface{}:
		url, _ := v["url"].(string)
		address, _ := v["address"].(string)
		return ChannelEndpoint{URL: url, Address: address}, url != ""
	}
	return ChannelEndpoint{}, false
}
