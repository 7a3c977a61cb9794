package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StaticRequester answers RPC calls from fixed responses. It is used in tests
// in place of a live provider.
type StaticRequester struct {
	mu        sync.Mutex
	responses map[string]any
	errors    map[string]error
	calls     map[string]int
}

// NewStaticRequester creates a requester answering each method with the given
// response, encoded and decoded through JSON like a real RPC round trip.
func NewStaticRequester(responses map[string]any) *StaticRequester {
	return &StaticRequester{
		responses: responses,
		errors:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

// SetError makes method fail with err.
func (s *StaticRequester) SetError(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[method] = err
}

// Calls returns how many times method was requested.
func (s *StaticRequester) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *StaticRequester) CallContext(ctx context.Context, result any, method string, args ...any) error {
	s.mu.Lock()
	s.calls[method]++
	resp, ok := s.responses[method]
	err := s.errors[method]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("the method %s does not exist/is not available", method)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

// StaticDialer returns a DialFunc serving requesters by URL.
func StaticDialer(byURL map[string]Requester) DialFunc {
	return func(ctx context.Context, url string) (Requester, func(), error) {
		r, ok := byURL[url]
		if !ok {
			return nil, nil, fmt.Errorf("dial %s: connection refused", url)
		}
		return r, func() {}, nil
	}
}
