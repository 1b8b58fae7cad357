package media

import (
	"context"
	"sync"
)

// Connector hands out a process-wide shared media client, dialing lazily on
// first use. Concurrent first users serialize behind the mutex, so they all
// observe the same established client or each receive a clean dial error;
// failures are never cached.
type Connector struct {
	url  string
	opts Options

	mu     sync.Mutex
	client Client
}

func NewConnector(url string, opts Options) *Connector {
	return &Connector{url: url, opts: opts}
}

// Get returns the shared client, dialing if none is established. A client
// whose connection has died is discarded and replaced.
func (c *Connector) Get(ctx context.Context) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && !c.client.Closed() {
		return c.client, nil
	}
	c.client = nil

	client, err := Dial(ctx, c.url, c.opts)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close tears down the shared client if one is established.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
