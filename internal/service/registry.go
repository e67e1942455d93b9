package service

import (
	"fmt"
	"sort"

	"github.com/simplesurance/buildconfd/internal/gitref"
)

// Registry maps hostnames to the Service that is used to access
// repositories on the host.
type Registry struct {
	byHost map[string]Service
}

func NewRegistry() *Registry {
	return &Registry{byHost: map[string]Service{}}
}

// Register sets svc as Service for host.
// A previously registered service for the host is replaced.
func (r *Registry) Register(host string, svc Service) {
	r.byHost[host] = svc
}

// Lookup returns the service responsible for repo.
func (r *Registry) Lookup(repo gitref.RepositoryRef) (Service, error) {
	svc, exist := r.byHost[repo.Host]
	if !exist {
		return nil, fmt.Errorf("no service configured for host %q", repo.Host)
	}

	return svc, nil
}

// Hosts returns the sorted list of hosts with a registered service.
func (r *Registry) Hosts() []string {
	result := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		result = append(result, h)
	}

	sort.Strings(result)

	return result
}

// Wrap replaces every registered service with the result of fn.
func (r *Registry) Wrap(fn func(host string, svc Service) Service) {
	for h, svc := range r.byHost {
		r.byHost[h] = fn(h, svc)
	}
}
