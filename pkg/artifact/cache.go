package artifact

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Cache keeps recently loaded artifacts by path. Saved artifacts are never
// rewritten, so a path always maps to the same content.
type Cache struct {
	lru *lru.Cache
}

// NewCache creates a cache holding at most size artifacts.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create artifact cache")
	}
	return &Cache{lru: c}, nil
}

// Load returns the cached artifact for path, reading it on a miss.
// Failed loads are not cached.
func (c *Cache) Load(path string) (*Artifact, error) {
	if v, ok := c.lru.Get(path); ok {
		return v.(*Artifact), nil
	}
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.lru.Add(path, a)
	return a, nil
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every cached artifact.
func (c *Cache) Purge() { c.lru.Purge() }
