// Package mock provides a scriptable llm.Provider for tests and the
// "mock" provider type. Scripts dispatch two ways: per-agent routes for
// multi-agent scenarios where call order is non-deterministic, and a
// sequential fallback consumed in order. An optional default function
// answers when every script is exhausted.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/yysun/agent-world/pkg/llm"
)

// Script defines a single scripted LLM response.
type Script struct {
	// Response content (at most one of Chunks, Text, Error).
	Chunks []llm.Chunk // pre-built chunks to return
	Text   string      // shorthand: wrapped as TextChunk + UsageChunk
	Error  error       // returned from Generate itself

	// Test control.
	BlockUntilCancelled bool            // block until ctx is cancelled
	WaitCh              <-chan struct{} // block until closed, then respond
	OnBlock             chan<- struct{} // notified when blocking starts
}

// Provider implements llm.Provider with scripted responses.
type Provider struct {
	mu         sync.Mutex
	sequential []Script
	seqIndex   int
	routes     map[string][]Script
	routeIndex map[string]int
	defaultFn  func(req *llm.Request) []llm.Chunk
	captured   []*llm.Request
}

// New creates an empty scripted provider. Without scripts or a default
// function every Generate call fails, which keeps missing expectations
// loud in tests.
func New() *Provider {
	return &Provider{
		routes:     make(map[string][]Script),
		routeIndex: make(map[string]int),
	}
}

// NewEchoing creates a provider whose default reply greets with the
// agent id. Used by the "mock" provider type in live configs so a
// keyless install still demonstrates the full pipeline.
func NewEchoing() *Provider {
	p := New()
	p.SetDefault(func(req *llm.Request) []llm.Chunk {
		return []llm.Chunk{
			&llm.TextChunk{Content: fmt.Sprintf("[%s] acknowledged.", req.AgentID)},
			&llm.UsageChunk{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
		}
	})
	return p
}

// AddSequential appends an entry consumed in order by non-routed calls.
func (p *Provider) AddSequential(s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequential = append(p.sequential, s)
}

// AddRouted appends an entry for a specific agent id.
func (p *Provider) AddRouted(agentID string, s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[agentID] = append(p.routes[agentID], s)
}

// SetDefault installs a fallback used when scripts are exhausted.
func (p *Provider) SetDefault(fn func(req *llm.Request) []llm.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultFn = fn
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.captured = append(p.captured, req)
	s, err := p.next(req)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.BlockUntilCancelled {
		ch := make(chan llm.Chunk)
		if s.OnBlock != nil {
			s.OnBlock <- struct{}{}
		}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	if s.WaitCh != nil {
		if s.OnBlock != nil {
			s.OnBlock <- struct{}{}
		}
		select {
		case <-s.WaitCh:
		case <-ctx.Done():
			ch := make(chan llm.Chunk)
			close(ch)
			return ch, nil
		}
	}

	if s.Error != nil {
		return nil, s.Error
	}

	chunks := s.Chunks
	if len(chunks) == 0 && s.Text != "" {
		chunks = []llm.Chunk{
			&llm.TextChunk{Content: s.Text},
			&llm.UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

// CallCount returns the total number of Generate calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captured)
}

// CallCountFor returns the number of Generate calls made by one agent.
func (p *Provider) CallCountFor(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, req := range p.captured {
		if req.AgentID == agentID {
			n++
		}
	}
	return n
}

// CapturedRequests returns a snapshot of every request seen so far.
func (p *Provider) CapturedRequests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.Request, len(p.captured))
	copy(out, p.captured)
	return out
}

// next selects the script for a request. Must be called with mu held.
func (p *Provider) next(req *llm.Request) (*Script, error) {
	if req.AgentID != "" {
		if entries, ok := p.routes[req.AgentID]; ok {
			idx := p.routeIndex[req.AgentID]
			if idx < len(entries) {
				p.routeIndex[req.AgentID] = idx + 1
				return &entries[idx], nil
			}
		}
	}
	if p.seqIndex < len(p.sequential) {
		s := &p.sequential[p.seqIndex]
		p.seqIndex++
		return s, nil
	}
	if p.defaultFn != nil {
		return &Script{Chunks: p.defaultFn(req)}, nil
	}
	return nil, fmt.Errorf("mock provider: no script left (agent=%q, sequential=%d/%d)",
		req.AgentID, p.seqIndex, len(p.sequential))
}
