package gateway

import (
	"encoding/json"

	"github.com/spoonbobo/onlysaid/logger"
	safe "github.com/spoonbobo/onlysaid/tools/safe"

	"github.com/nats-io/nats.go"
)

// Relay carries deliver frames between gateway replicas. A bound
// connection's transport handle lives in exactly one process; when the
// registry says the holder is a peer replica, the frame is published to
// that replica's subject and written out there. Without a relay the
// gateway is single-replica and non-local connections count as not live.
type Relay struct {
	nc   *nats.Conn
	gwID string
	sub  *nats.Subscription
}

type deliverFrame struct {
	ConnID string          `json:"connId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func deliverSubject(gwID string) string { return "gateway.deliver." + gwID }

// NewRelay connects and subscribes to this replica's deliver subject.
// deliver is invoked for each frame addressed to a local connection.
func NewRelay(natsURL, gwID string, deliver func(connID, event string, data json.RawMessage)) (*Relay, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("presence-gw-"+gwID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	r := &Relay{nc: nc, gwID: gwID}
	r.sub, err = nc.Subscribe(deliverSubject(gwID), func(msg *nats.Msg) {
		var f deliverFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			logger.Warnf("[relay] bad deliver frame: %v", err)
			return
		}
		safe.Run(func() { deliver(f.ConnID, f.Event, f.Data) })
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

// Publish hands a frame to the replica owning connID.
func (r *Relay) Publish(ownerGwID, connID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(deliverFrame{ConnID: connID, Event: event, Data: raw})
	if err != nil {
		return err
	}
	return r.nc.Publish(deliverSubject(ownerGwID), payload)
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.nc.Close()
}
