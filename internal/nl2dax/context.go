package nl2dax

import "sync"

// Exchange is one completed question/query pair kept for follow-up context.
type Exchange struct {
	Question string `json:"question"`
	DAX      string `json:"dax"`
	Answer   string `json:"answer,omitempty"`
}

// Conversation is a fixed-depth ring of recent exchanges. Once full, the
// oldest exchange is dropped. A session change clears it entirely.
type Conversation struct {
	mu        sync.Mutex
	depth     int
	exchanges []Exchange
}

func NewConversation(depth int) *Conversation {
	if depth <= 0 {
		depth = 8
	}
	return &Conversation{depth: depth}
}

func (c *Conversation) Record(exchange Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, exchange)
	if len(c.exchanges) > c.depth {
		c.exchanges = c.exchanges[len(c.exchanges)-c.depth:]
	}
}

// History returns the retained exchanges, oldest first.
func (c *Conversation) History() []Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Exchange(nil), c.exchanges...)
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	c.exchanges = nil
	c.mu.Unlock()
}
