package output

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/tkjaer/mtrng/internal/shared"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "mtrng.rounds"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSOutput publishes every completed round as a JSON snapshot.
type NATSOutput struct {
	nc      *nats.Conn
	pub     publisher
	subject string
}

// NewNATSOutput connects to the NATS server at url.
func NewNATSOutput(url, subject string) (*NATSOutput, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	nc, err := nats.Connect(url, nats.Name("mtrng"))
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to NATS server", "url", nc.ConnectedUrl(), "subject", subject)
	return &NATSOutput{nc: nc, pub: nc, subject: subject}, nil
}

func (n *NATSOutput) Update(*shared.Snapshot) {}

func (n *NATSOutput) CompleteRound(snap *shared.Snapshot) {
	n.publish(snap)
}

func (n *NATSOutput) Complete(*shared.Snapshot) {}

func (n *NATSOutput) publish(snap *shared.Snapshot) {
	if snap == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("Failed to encode snapshot", "round", snap.Round, "error", err)
		return
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		slog.Warn("Failed to publish snapshot", "subject", n.subject, "round", snap.Round, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (n *NATSOutput) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
