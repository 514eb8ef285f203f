package syncbus

import (
	"context"
	"sync"
)

// Broadcaster is the cross-process primitive under the bus. Every message
// broadcast by any participant, the sender included, shows up on
// Messages.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
	Messages() <-chan Event
	Close() error
}

const hubBuffer = 64

// Hub fans messages out between participants living in one process.
type Hub struct {
	mu    sync.Mutex
	peers map[*HubPeer]struct{}
}

func NewHub() *Hub {
	return &Hub{peers: make(map[*HubPeer]struct{})}
}

// Join adds a participant.
func (h *Hub) Join() *HubPeer {
	p := &HubPeer{hub: h, ch: make(chan Event, hubBuffer)}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	return p
}

type HubPeer struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

// Broadcast never blocks; a peer whose buffer is full misses the message.
func (p *HubPeer) Broadcast(_ context.Context, ev Event) error {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	if _, ok := p.hub.peers[p]; !ok {
		return ErrClosed
	}
	for peer := range p.hub.peers {
		select {
		case peer.ch <- ev:
		default:
		}
	}
	return nil
}

func (p *HubPeer) Messages() <-chan Event {
	return p.ch
}

func (p *HubPeer) Close() error {
	p.once.Do(func() {
		p.hub.mu.Lock()
		delete(p.hub.peers, p)
		p.hub.mu.Unlock()
		close(p.ch)
	})
	return nil
}

// noop stands in when no primitive is available. The process then only
// sees its own writes until a manual refresh or cache expiry.
type noop struct{}

func (noop) Broadcast(context.Context, Event) error { return nil }
func (noop) Messages() <-chan Event                  { return nil }
func (noop) Close() error                            { return nil }

// Noop returns a Broadcaster that drops everything.
func Noop() Broadcaster { return noop{} }
