// Package session carries the bearer credential and binds it into the
// transport's connection target.
package session

import (
	"sync"
)

// Context holds the current bearer credential. It is passed explicitly to
// whatever needs the credential.
type Context struct {
	mu    sync.Mutex
	token string
	user  string
	next  uint64
	subs  map[uint64]func(token string)
}

func NewContext(token, username string) *Context {
	return &Context{token: token, user: username}
}

func (c *Context) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Username is the identity the credential was issued for.
func (c *Context) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Set rotates the credential and notifies subscribers if it changed.
func (c *Context) Set(token string) {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	subs := make([]func(string), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(token)
	}
}

// Clear drops the credential, e.g. on logout.
func (c *Context) Clear() { c.Set("") }

// OnChange registers fn for credential changes and returns its unregister func.
func (c *Context) OnChange(fn func(token string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[uint64]func(string))
	}
	c.next++
	id := c.next
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
