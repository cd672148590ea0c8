// Package countrycode resolves the regulatory region pushed to the mesh
// daemon. An operator override, when set, wins over the configured default.
package countrycode

import (
	"fmt"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/config"
)

// Resolver tracks the effective country code. Not safe for concurrent use;
// the service confines all calls to its serialized execution context.
type Resolver struct {
	defaultCode string
	override    string

	// onChanged fires when the effective code changes, with the new code.
	onChanged func(code string)
}

// NewResolver returns a resolver seeded with the configured default.
// onChanged may be nil.
func NewResolver(defaultCode string, onChanged func(code string)) *Resolver {
	return &Resolver{
		defaultCode: strings.ToUpper(defaultCode),
		onChanged:   onChanged,
	}
}

// Get returns the effective country code.
func (r *Resolver) Get() string {
	if r.override != "" {
		return r.override
	}
	return r.defaultCode
}

// IsOverridden reports whether an operator override is in effect.
func (r *Resolver) IsOverridden() bool { return r.override != "" }

// SetOverride forces the given code until ClearOverride.
func (r *Resolver) SetOverride(code string) error {
	if !config.IsValidCountryCode(code) {
		return fmt.Errorf("invalid country code %q", code)
	}
	r.set(strings.ToUpper(code))
	return nil
}

// ClearOverride reverts to the configured default.
func (r *Resolver) ClearOverride() {
	r.set("")
}

func (r *Resolver) set(override string) {
	before := r.Get()
	r.override = override
	after := r.Get()
	if before == after {
		return
	}
	log.L.WithFields(log.Fields{
		"code":       after,
		"overridden": r.IsOverridden(),
	}).Info("countrycode: effective code changed")
	if r.onChanged != nil {
		r.onChanged(after)
	}
}
