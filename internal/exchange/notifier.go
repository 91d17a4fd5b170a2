package exchange

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Notifier carries "this exchange changed" wakeups between the request that
// stores an answer and the requests polling for it. A wakeup only shortens
// a poll's sleep; pollers always re-read the store, so lost or spurious
// wakeups are harmless.
type Notifier interface {
	Publish(ctx context.Context, exchangeID uuid.UUID) error

	// Subscribe returns a channel that receives a value after each Publish
	// for exchangeID, and a function that ends the subscription.
	Subscribe(ctx context.Context, exchangeID uuid.UUID) (<-chan struct{}, func(), error)
}

// LocalNotifier delivers wakeups within one process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, exchangeID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[exchangeID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, exchangeID uuid.UUID) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[exchangeID] == nil {
		n.subs[exchangeID] = make(map[chan struct{}]struct{})
	}
	n.subs[exchangeID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[exchangeID], ch)
			if len(n.subs[exchangeID]) == 0 {
				delete(n.subs, exchangeID)
			}
		})
	}
	return ch, cancel, nil
}
