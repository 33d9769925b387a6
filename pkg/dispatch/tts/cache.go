package tts

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Cached memoizes synthesized audio per prompt. Obstacle prompts repeat
// constantly ("Obstacle at 12 o'clock"), so most ticks are cache hits.
type Cached struct {
	next  Synthesizer
	cache *lru.Cache[string, []byte]
}

func NewCached(next Synthesizer, size int) (*Cached, error) {
	if size <= 0 {
		size = 64
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Synthesize(ctx context.Context, text string) ([]byte, error) {
	key := strings.TrimSpace(text)
	if audio, ok := c.cache.Get(key); ok {
		return audio, nil
	}
	audio, err := c.next.Synthesize(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, audio)
	return audio, nil
}

func (c *Cached) Len() int { return c.cache.Len() }
