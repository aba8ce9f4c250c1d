// Package registry publishes this agent's liveness to etcd so operator
// tooling can see which agents are up. It never gates a dispatch decision —
// the dispatch core's only source of truth for "can I start this job" is
// the orchestration server's lease grant, not this registry. Adapted from
// the teacher's coordination/etcd.EtcdCoordinator.RegisterNode/GetActiveNodes,
// trimmed of the election/leader-follower machinery this domain has no use
// for.
package registry

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// AgentRegistry keeps one key alive under /agents/<agentID> for as long as
// the process runs, via an etcd lease-backed session.
type AgentRegistry struct {
	client  *clientv3.Client
	session *concurrency.Session
	agentID string
}

// NewAgentRegistry dials etcd and starts a concurrency.Session, which
// refreshes the underlying lease via background heartbeats for as long as
// the session lives.
func NewAgentRegistry(endpoints []string, agentID string, ttlSeconds int) (*AgentRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect to etcd: %w", err)
	}

	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("registry: create session: %w", err)
	}

	return &AgentRegistry{client: cli, session: sess, agentID: agentID}, nil
}

func (r *AgentRegistry) Close() error {
	if r.session != nil {
		r.session.Close()
	}
	return r.client.Close()
}

// Announce publishes this agent as online, tied to the session's lease so
// it disappears automatically if the process dies without a clean exit.
func (r *AgentRegistry) Announce(ctx context.Context) error {
	key := fmt.Sprintf("/agents/%s", r.agentID)
	_, err := r.client.Put(ctx, key, "ONLINE", clientv3.WithLease(r.session.Lease()))
	if err != nil {
		return fmt.Errorf("registry: announce agent: %w", err)
	}
	return nil
}

// ActiveAgents lists every agent currently announced, for operator
// dashboards — never consulted by the dispatch core itself.
func (r *AgentRegistry) ActiveAgents(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, "/agents/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}

	const prefixLen = len("/agents/")
	agents := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if len(key) > prefixLen {
			agents = append(agents, key[prefixLen:])
		}
	}
	return agents, nil
}
