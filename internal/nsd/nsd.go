// Package nsd is the narrow service-discovery surface the mesh daemon
// publishes through. The wire behavior of DNS-SD lives elsewhere; this
// package only tracks what is currently registered so the registrations can
// be dropped wholesale when the daemon dies.
package nsd

import (
	"fmt"
	"sync"

	"github.com/containerd/log"
)

// ServiceInstance is one advertised service.
type ServiceInstance struct {
	// InstanceName uniquely identifies the registration.
	InstanceName string
	ServiceType  string
	Port         uint16
	TxtRecords   map[string][]byte
}

// Publisher registers and unregisters mesh service advertisements.
type Publisher interface {
	Register(inst ServiceInstance) error
	Unregister(instanceName string) error
	// Reset drops every registration. Called when the daemon dies so stale
	// advertisements do not outlive the process that owns them.
	Reset()
}

type registry struct {
	mu       sync.Mutex
	services map[string]ServiceInstance
}

// NewRegistry returns an in-process publisher backed by a plain map. The
// host's mDNS responder picks registrations up from here.
func NewRegistry() Publisher {
	return &registry{services: make(map[string]ServiceInstance)}
}

func (r *registry) Register(inst ServiceInstance) error {
	if inst.InstanceName == "" {
		return fmt.Errorf("service instance name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[inst.InstanceName] = inst
	log.L.WithFields(log.Fields{
		"instance": inst.InstanceName,
		"type":     inst.ServiceType,
		"port":     inst.Port,
	}).Debug("nsd: service registered")
	return nil
}

func (r *registry) Unregister(instanceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[instanceName]; !ok {
		return fmt.Errorf("service %q not registered", instanceName)
	}
	delete(r.services, instanceName)
	log.L.WithField("instance", instanceName).Debug("nsd: service unregistered")
	return nil
}

func (r *registry) Reset() {
	r.mu.Lock()
	n := len(r.services)
	r.services = make(map[string]ServiceInstance)
	r.mu.Unlock()
	if n > 0 {
		log.L.WithField("count", n).Info("nsd: dropped registrations after daemon death")
	}
}
