package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Navigator performs a navigation away from the current page.
type Navigator func(ctx context.Context, rawURL string) error

// MemoryLocation is a Location kept in memory. Assign hands the target to a
// Navigator, for example the system browser.
type MemoryLocation struct {
	mu       sync.Mutex
	current  *url.URL
	assigned []string
	navigate Navigator
}

// NewMemoryLocation starts at rawURL.
func NewMemoryLocation(rawURL string, navigate Navigator) (*MemoryLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("browser: parse location: %w", err)
	}
	return &MemoryLocation{current: u, navigate: navigate}, nil
}

func (l *MemoryLocation) Current() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := *l.current
	return &u
}

func (l *MemoryLocation) Replace(u *url.URL) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *u
	l.current = &c
	return nil
}

// Load makes u the current page, as when the browser arrives at it.
func (l *MemoryLocation) Load(u *url.URL) {
	_ = l.Replace(u)
}

func (l *MemoryLocation) Assign(ctx context.Context, rawURL string) error {
	l.mu.Lock()
	l.assigned = append(l.assigned, rawURL)
	navigate := l.navigate
	l.mu.Unlock()

	if navigate == nil {
		return nil
	}
	return navigate(ctx, rawURL)
}

// Assigned returns every URL passed to Assign, oldest first.
func (l *MemoryLocation) Assigned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.assigned...)
}
