package bridge

import (
	"context"
	"sort"
	"sync"

	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/store"
)

// ApprovalQueue holds intents waiting for a decision. *store.Store
// implements it. GetPendingApproval returns nil for unknown ids;
// TakePendingApproval must return store.ErrApprovalNotFound for them.
type ApprovalQueue interface {
	SavePendingApproval(ctx context.Context, p *models.PendingApproval) error
	GetPendingApproval(ctx context.Context, intentID string) (*models.PendingApproval, error)
	ListPendingApprovals(ctx context.Context) ([]*models.PendingApproval, error)
	TakePendingApproval(ctx context.Context, intentID string) (*models.PendingApproval, error)
}

// memoryQueue is the queue used when no store is configured.
type memoryQueue struct {
	mu    sync.Mutex
	items map[string]*models.PendingApproval
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{items: make(map[string]*models.PendingApproval)}
}

func (q *memoryQueue) SavePendingApproval(_ context.Context, p *models.PendingApproval) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[p.Intent.ID] = p
	return nil
}

func (q *memoryQueue) GetPendingApproval(_ context.Context, id string) (*models.PendingApproval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[id], nil
}

func (q *memoryQueue) ListPendingApprovals(context.Context) ([]*models.PendingApproval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.PendingApproval, 0, len(q.items))
	for _, p := range q.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *memoryQueue) TakePendingApproval(_ context.Context, id string) (*models.PendingApproval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[id]
	if !ok {
		return nil, store.ErrApprovalNotFound
	}
	delete(q.items, id)
	return p, nil
}
