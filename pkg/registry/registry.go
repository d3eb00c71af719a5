// Package registry tracks which live peers are publishers and which are
// viewers. A peer is in at most one partition at any time.
package registry

import (
	"context"
	"sync"

	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/domain"
)

// Result summarizes one broadcast
type Result struct {
	Attempts int
	Failures int
}

// Registry partitions peers by role. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	partitions map[domain.Role]map[string]domain.Peer
	logger     *logging.Logger
}

// New creates an empty registry
func New(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		partitions: map[domain.Role]map[string]domain.Peer{
			domain.RolePublisher: make(map[string]domain.Peer),
			domain.RoleViewer:    make(map[string]domain.Peer),
		},
		logger: logger,
	}
}

// Add inserts p into the role partition. Adding a peer already present with
// the same role is a no-op; a peer registered under the other role must be
// switched with MoveTo.
func (r *Registry) Add(role domain.Role, p domain.Peer) error {
	if !role.Valid() {
		return domain.ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partitions[role.Opposite()][p.ID()]; ok {
		return domain.ErrRoleConflict
	}
	r.partitions[role][p.ID()] = p
	return nil
}

// MoveTo places p in the role partition, removing it from the other one in
// the same critical section.
func (r *Registry) MoveTo(role domain.Role, p domain.Peer) error {
	if !role.Valid() {
		return domain.ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.partitions[role.Opposite()], p.ID())
	r.partitions[role][p.ID()] = p
	return nil
}

// Remove deletes p from whichever partition holds it and reports that role.
// Removing an absent peer is not an error.
func (r *Registry) Remove(p domain.Peer) (domain.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for role, peers := range r.partitions {
		if _, ok := peers[p.ID()]; ok {
			delete(peers, p.ID())
			return role, true
		}
	}
	return domain.RoleUnassigned, false
}

// RoleOf returns the partition p is in, or RoleUnassigned
func (r *Registry) RoleOf(p domain.Peer) domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	for role, peers := range r.partitions {
		if _, ok := peers[p.ID()]; ok {
			return role
		}
	}
	return domain.RoleUnassigned
}

// Count returns the size of the role partition
func (r *Registry) Count(role domain.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partitions[role])
}

// Peers returns a snapshot of the role partition
func (r *Registry) Peers(role domain.Role) []domain.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(role)
}

// Broadcast sends message to every peer in the role partition at the time of
// the call. The partition is copied under the lock and the sends happen
// outside it. A failed send is logged and counted; it neither stops the loop
// nor removes the peer.
func (r *Registry) Broadcast(ctx context.Context, role domain.Role, message []byte) Result {
	r.mu.Lock()
	peers := r.snapshot(role)
	r.mu.Unlock()

	var res Result
	for _, p := range peers {
		res.Attempts++
		if err := p.Send(ctx, message); err != nil {
			res.Failures++
			r.logger.Debug("failed to send to peer",
				"peer_id", p.ID(),
				"role", role.String(),
				"error", err,
			)
		}
	}
	return res
}

func (r *Registry) snapshot(role domain.Role) []domain.Peer {
	peers := make([]domain.Peer, 0, len(r.partitions[role]))
	for _, p := range r.partitions[role] {
		peers = append(peers, p)
	}
	return peers
}
