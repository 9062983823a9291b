package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays a fixed sequence of responses. It backs tests and
// the "mock" provider so the pipeline can be exercised without API access.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     int
	// Requests records every request for assertion in tests.
	Requests []Request
}

// NewScriptedClient creates a client that replays the given responses in
// order. A nil error slot means the corresponding call succeeds.
func NewScriptedClient(responses []Response, errs []error) *ScriptedClient {
	return &ScriptedClient{responses: responses, errs: errs}
}

// Name implements Client.
func (s *ScriptedClient) Name() string { return "mock" }

// Complete implements Client.
func (s *ScriptedClient) Complete(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	i := s.calls
	s.calls++

	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return Response{}, fmt.Errorf("scripted client exhausted after %d calls", len(s.responses))
}

// Calls returns how many completions have been requested.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
