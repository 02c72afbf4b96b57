package memory

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

type MemoryPresenceRepository struct {
	peers map[domain.PeerID]domain.Presence
	mu    sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		peers: make(map[domain.PeerID]domain.Presence),
	}
}

// Upsert replaces the record of presence.ID. The stored value is a copy.
func (r *MemoryPresenceRepository) Upsert(ctx context.Context, presence *domain.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[presence.ID] = *presence
	return nil
}

func (r *MemoryPresenceRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	presence, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	return &presence, nil
}

func (r *MemoryPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(r.peers, id)
	return nil
}

func (r *MemoryPresenceRepository) List(ctx context.Context) ([]*domain.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*domain.Presence, 0, len(r.peers))
	for _, presence := range r.peers {
		p := presence
		list = append(list, &p)
	}
	return list, nil
}

func (r *MemoryPresenceRepository) SetInCall(ctx context.Context, id domain.PeerID, inCall bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	presence, exists := r.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	presence.InCall = inCall
	r.peers[id] = presence
	return nil
}
