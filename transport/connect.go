package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrNodeMismatch = errors.New("connected to unexpected node")

type ConnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

var DefaultConnectConfig = ConnectConfig{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  30 * time.Second,
}

func (c ConnectConfig) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Reset()
	return b
}

// Connect performs the handshake with node, retrying while the node is not
// reachable. It returns the node with the id it reported. Only connection
// establishment is retried; requests sent afterwards never are.
func Connect(ctx context.Context, t Transport, node Node, cfg ConnectConfig) (Node, error) {
	var remoteID string
	op := func() error {
		resp, err := t.SendRequest(ctx, node, HandshakeActionName, nil)
		if err != nil {
			if errors.Is(err, ErrNodeNotConnected) || errors.Is(err, ErrDisconnected) {
				return err
			}
			return backoff.Permanent(err)
		}
		remoteID = string(resp)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(cfg.backoff(), ctx)); err != nil {
		return Node{}, fmt.Errorf("connect to %s: %w", node, err)
	}

	if node.ID != "" && node.ID != remoteID {
		return Node{}, fmt.Errorf("%w: expected %s, got %s", ErrNodeMismatch, node.ID, remoteID)
	}
	node.ID = remoteID
	return node, nil
}
