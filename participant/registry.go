package participant

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrUnknownParticipant is returned when an id cannot be resolved.
var ErrUnknownParticipant = errors.New("participant: unknown participant")

// Resolver maps a participant id back to a live Participant. The coordinator
// uses it when replaying the decision log, where only ids survive.
type Resolver interface {
	Resolve(id string) (Participant, error)
}

// Registry resolves registered in-process participants first and, unless
// disabled, treats http(s) URLs as Remote participants.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
	remoteOpts   []RemoteOption
	noRemote     bool
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRemoteOptions passes options to every Remote the registry creates.
func WithRemoteOptions(opts ...RemoteOption) RegistryOption {
	return func(r *Registry) {
		r.remoteOpts = append(r.remoteOpts, opts...)
	}
}

// WithoutRemoteFallback disables resolving URLs to Remote participants.
func WithoutRemoteFallback() RegistryOption {
	return func(r *Registry) {
		r.noRemote = true
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{participants: make(map[string]Participant)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds or replaces p under p.ID().
func (r *Registry) Register(p Participant) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("participant: register requires a participant with an id")
	}
	r.mu.Lock()
	r.participants[p.ID()] = p
	r.mu.Unlock()
	return nil
}

// Resolve implements Resolver. Remote participants created on demand are
// cached.
func (r *Registry) Resolve(id string) (Participant, error) {
	r.mu.RLock()
	p, ok := r.participants[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if r.noRemote || !IsEndpoint(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	remote, err := NewRemote(id, r.remoteOpts...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.participants[id]; ok {
		return existing, nil
	}
	r.participants[id] = remote
	return remote, nil
}

// IsEndpoint reports whether id is an absolute http(s) URL.
func IsEndpoint(id string) bool {
	u, err := url.Parse(id)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
