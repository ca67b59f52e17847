package discovery

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/marketpulse/ingestcore/internal/bus"
)

func TestCDCConsumer_FiltersEventsBeforeSnapshotLSN(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := make(chan string, 4)
	c := NewCDCConsumer(log, "0/100", out)

	before, _ := json.Marshal(ChangeEvent{Ticker: "OLD", LSN: "0/50"})
	after, _ := json.Marshal(ChangeEvent{Ticker: "NEW", LSN: "0/200"})

	c.handle(bus.Envelope{Payload: before})
	c.handle(bus.Envelope{Payload: after})

	close(out)
	var got []string
	for t := range out {
		got = append(got, t)
	}
	if len(got) != 1 || got[0] != "NEW" {
		t.Fatalf("expected only NEW to pass, got %v", got)
	}
}

func TestCDCConsumer_MalformedPayloadIgnored(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := make(chan string, 1)
	c := NewCDCConsumer(log, "0/0", out)

	c.handle(bus.Envelope{Payload: []byte("not json")})

	select {
	case v := <-out:
		t.Fatalf("expected no emission, got %q", v)
	default:
	}
}
