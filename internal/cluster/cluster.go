// Package cluster provides optional distributed coordination for
// multiple relay instances sharing a routing configuration, using the
// alan UDP peer discovery library. Its one job here is broadcasting a
// credential invalidation to peers so every instance quarantines the
// same dependent pipelines, not just the one that observed the
// AuthError (§4.9: "when clustering is configured... the invalidation
// is also broadcast to peer instances").
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

// msgTypeCredentialInvalid identifies a credential-invalidation
// broadcast message.
const msgTypeCredentialInvalid = "credential-invalid"

// clusterMessage is the JSON envelope exchanged between peers.
type clusterMessage struct {
	Type          string `json:"type"`
	CredentialRef string `json:"credentialRef"`
	Provider      string `json:"provider"`
}

// Cluster wraps an alan instance with relay-specific coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration. Returns
// nil, nil if cfg is nil (clustering disabled, the common case).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins peer discovery in the background. onInvalid is invoked
// when this instance receives a credential-invalidation broadcast from
// a peer — the caller wires it to the local CredentialManager so
// quarantine state converges across the fleet. Start blocks until ctx
// is cancelled; run it in a goroutine.
func (c *Cluster) Start(ctx context.Context, onInvalid func(credentialRef, provider string)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})
	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeCredentialInvalid:
			slog.Warn("cluster: received credential invalidation from peer", "from", msg.Addr, "credentialRef", cm.CredentialRef)

			if onInvalid != nil {
				onInvalid(cm.CredentialRef, cm.Provider)
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}

		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// BroadcastInvalid notifies every peer that credentialRef has gone
// invalid, waiting (with a timeout) for acknowledgements.
func (c *Cluster) BroadcastInvalid(ctx context.Context, credentialRef, provider string) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		slog.Info("cluster: no peers to broadcast credential invalidation to")
		return nil
	}

	data, err := json.Marshal(clusterMessage{
		Type:          msgTypeCredentialInvalid,
		CredentialRef: credentialRef,
		Provider:      provider,
	})
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast credential invalidation: %w", err)
	}

	slog.Info("cluster: credential invalidation broadcast complete",
		"peers", len(peers),
		"acks", len(replies),
	)

	if len(replies) < len(peers) {
		slog.Warn("cluster: not all peers acknowledged credential invalidation",
			"expected", len(peers),
			"received", len(replies),
		)
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
