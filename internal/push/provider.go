package push

import "sync"

// Provider owns the process-wide transport client. The composition root
// creates one Provider; consumers call Get and never construct clients.
type Provider struct {
	mu      sync.Mutex
	factory func() *Client
	cur     *Client
}

func NewProvider(factory func() *Client) *Provider {
	return &Provider{factory: factory}
}

// Get returns the live client, creating it on first use.
func (p *Provider) Get() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		p.cur = p.factory()
	}
	return p.cur
}

// Current returns the live client without creating one.
func (p *Provider) Current() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Reset closes the live client, if any, and forgets it. The next Get builds
// a fresh one. Used by logout and by tests.
func (p *Provider) Reset() {
	p.mu.Lock()
	c := p.cur
	p.cur = nil
	p.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
