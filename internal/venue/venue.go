// Package venue defines the per-venue capability tables that select
// subscribe-frame shape, confirmation grammar, ping cadence, and instrument
// caps at construction time. Venue-specific behavior is a small set of
// function values bound once per feed, never a runtime class hierarchy.
package venue

import (
	"encoding/json"
	"time"
)

// Family identifies one of the four wire-protocol shapes the stream worker
// must honor.
type Family string

const (
	// FamilyA is the signed-handshake family (e.g. Kalshi): subscribe frame
	// carries a command id, confirmation echoes it, no app-level ping.
	FamilyA Family = "a"
	// FamilyB is the public v2 family (e.g. Kraken spot): method/params
	// framing, confirmation carries a success flag, JSON ping every 30s.
	FamilyB Family = "b"
	// FamilyC is the futures family (e.g. Kraken futures): event-based
	// framing, confirmation echoes product ids, WS-level ping every 30s.
	FamilyC Family = "c"
	// FamilyD is the CLOB family (e.g. Polymarket): asset-id list framing,
	// confirmation is implicit in the first book snapshot, raw text ping
	// every 10s, hard 500-instrument-per-connection cap.
	FamilyD Family = "d"
)

// PingShape selects how the keep-alive is sent on the wire.
type PingShape int

const (
	// PingJSON sends a JSON application-level ping frame.
	PingJSON PingShape = iota
	// PingText sends a raw text frame.
	PingText
	// PingWebSocket sends a WebSocket protocol-level ping frame.
	PingWebSocket
)

// MessageClass is the coarse classification a stream worker assigns to every
// raw frame by cheap tag dispatch.
type MessageClass int

const (
	ClassUnknown MessageClass = iota
	ClassData
	ClassLiveness
	ClassAck
)

// String names a message class for use as a metrics label.
func (c MessageClass) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassLiveness:
		return "liveness"
	case ClassAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Capability is the per-feed function table selected at construction. It
// replaces a class hierarchy with a struct of closures plus static fields.
type Capability struct {
	Family Family

	// MaxPerConn is the hard per-connection instrument cap. Zero means the
	// venue imposes no cap of its own (the configured MAX_PER_SHARD still
	// applies).
	MaxPerConn int

	// RequiresAuth indicates the Authenticating state is entered before
	// Subscribing.
	RequiresAuth bool

	// ImplicitConfirmation indicates the venue sends no subscribe ack; the
	// first subsequent data frame is treated as confirmation.
	ImplicitConfirmation bool

	PingShape    PingShape
	PingInterval time.Duration

	// SubscribeFrame builds the wire bytes for a subscribe command carrying
	// the given tickers, optionally tagged with a command id for venues that
	// echo it back in the confirmation.
	SubscribeFrame func(tickers []string, cmdID string) ([]byte, error)

	// PingFrame builds the wire bytes for an application-level ping. Unused
	// when PingShape is PingWebSocket (the transport sends a protocol frame
	// instead).
	PingFrame func() []byte

	// Classify inspects a raw frame and returns its coarse class plus, for
	// ClassAck frames, the id of the subscribe command it confirms (empty
	// when the venue does not echo one).
	Classify func(raw []byte) (class MessageClass, cmdID string)
}

// ForFamily returns the capability table for a venue family.
func ForFamily(f Family) Capability {
	switch f {
	case FamilyA:
		return familyACapability()
	case FamilyB:
		return familyBCapability()
	case FamilyC:
		return familyCCapability()
	case FamilyD:
		return familyDCapability()
	default:
		return familyACapability()
	}
}

func familyACapability() Capability {
	return Capability{
		Family:       FamilyA,
		RequiresAuth: true,
		PingShape:    PingWebSocket,
		PingInterval: 0, // no app-level ping; transport-level only, if any
		SubscribeFrame: func(tickers []string, cmdID string) ([]byte, error) {
			return json.Marshal(struct {
				Type   string `json:"type"`
				ID     string `json:"id"`
				Cmd    string `json:"cmd"`
				Params struct {
					Channels      []string `json:"channels"`
					MarketTickers []string `json:"market_tickers,omitempty"`
				} `json:"params"`
			}{
				Type: "cmd",
				ID:   cmdID,
				Cmd:  "subscribe",
				Params: struct {
					Channels      []string `json:"channels"`
					MarketTickers []string `json:"market_tickers,omitempty"`
				}{Channels: []string{"ticker", "trade"}, MarketTickers: tickers},
			})
		},
		Classify: func(raw []byte) (MessageClass, string) {
			var probe struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return ClassUnknown, ""
			}
			switch probe.Type {
			case "subscribed":
				return ClassAck, probe.ID
			case "ticker", "trade", "orderbook_snapshot", "orderbook_delta":
				return ClassData, ""
			case "error":
				return ClassUnknown, ""
			default:
				return ClassData, ""
			}
		},
	}
}

func familyBCapability() Capability {
	return Capability{
		Family:       FamilyB,
		PingShape:    PingJSON,
		PingInterval: 30 * time.Second,
		SubscribeFrame: func(tickers []string, cmdID string) ([]byte, error) {
			return json.Marshal(struct {
				Method string `json:"method"`
				Params struct {
					Channel string   `json:"channel"`
					Symbol  []string `json:"symbol"`
				} `json:"params"`
			}{
				Method: "subscribe",
				Params: struct {
					Channel string   `json:"channel"`
					Symbol  []string `json:"symbol"`
				}{Channel: "ticker", Symbol: tickers},
			})
		},
		PingFrame: func() []byte {
			b, _ := json.Marshal(struct {
				Method string `json:"method"`
			}{Method: "ping"})
			return b
		},
		Classify: func(raw []byte) (MessageClass, string) {
			var probe struct {
				Method  string `json:"method"`
				Success *bool  `json:"success"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return ClassUnknown, ""
			}
			switch probe.Method {
			case "subscribe":
				if probe.Success != nil {
					return ClassAck, ""
				}
				return ClassUnknown, ""
			case "pong":
				return ClassLiveness, ""
			default:
				return ClassData, ""
			}
		},
	}
}

func familyCCapability() Capability {
	return Capability{
		Family:       FamilyC,
		PingShape:    PingWebSocket,
		PingInterval: 30 * time.Second,
		SubscribeFrame: func(tickers []string, cmdID string) ([]byte, error) {
			return json.Marshal(struct {
				Event      string   `json:"event"`
				Feed       string   `json:"feed"`
				ProductIDs []string `json:"product_ids"`
			}{Event: "subscribe", Feed: "ticker", ProductIDs: tickers})
		},
		Classify: func(raw []byte) (MessageClass, string) {
			var probe struct {
				Event string `json:"event"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return ClassUnknown, ""
			}
			switch probe.Event {
			case "subscribed":
				return ClassAck, ""
			case "heartbeat":
				return ClassLiveness, ""
			default:
				return ClassData, ""
			}
		},
	}
}

func familyDCapability() Capability {
	return Capability{
		Family:               FamilyD,
		MaxPerConn:           500,
		ImplicitConfirmation: true,
		PingShape:            PingText,
		PingInterval:         10 * time.Second,
		SubscribeFrame: func(tickers []string, cmdID string) ([]byte, error) {
			return json.Marshal(struct {
				AssetsIDs            []string `json:"assets_ids"`
				Type                 string   `json:"type"`
				CustomFeatureEnabled bool     `json:"custom_feature_enabled"`
			}{AssetsIDs: tickers, Type: "market", CustomFeatureEnabled: true})
		},
		PingFrame: func() []byte { return []byte("PING") },
		Classify: func(raw []byte) (MessageClass, string) {
			if string(raw) == "PONG" {
				return ClassLiveness, ""
			}
			return ClassData, ""
		},
	}
}
