// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// CrankInfo describes a crank that made a delivery.
type CrankInfo struct {
	CrankNumber uint64
	VatID       core.VatID
	Type        state.EventType
}

// RunPolicy decides how long Run keeps going. Each report method is called
// once per crank and returns false to stop Run after that crank.
type RunPolicy interface {
	// AllowCleanup says whether terminated vats may be cleaned up now, and
	// with what budget. A nil budget means the kernel's default.
	AllowCleanup() (bool, *state.CleanupBudget)

	// CrankComplete reports a delivery that the vat handled.
	CrankComplete(info CrankInfo) bool
	// CrankFailed reports a delivery that was unwound.
	CrankFailed(info CrankInfo) bool
	// EmptyCrank reports a crank that moved things between queues, or
	// found its work no longer applied.
	EmptyCrank() bool
	// DidCleanup reports terminated-vat cleanup.
	DidCleanup(work state.CleanupWork) bool
}

// foreverPolicy runs until the queues are empty.
type foreverPolicy struct{}

func (foreverPolicy) AllowCleanup() (bool, *state.CleanupBudget) { return true, nil }
func (foreverPolicy) CrankComplete(CrankInfo) bool               { return true }
func (foreverPolicy) CrankFailed(CrankInfo) bool                 { return true }
func (foreverPolicy) EmptyCrank() bool                           { return true }
func (foreverPolicy) DidCleanup(state.CleanupWork) bool          { return true }

// ForeverPolicy returns a policy that never stops Run.
func ForeverPolicy() RunPolicy {
	return foreverPolicy{}
}

// crankLimitPolicy stops after a number of cranks of any kind.
type crankLimitPolicy struct {
	left int
}

// CrankLimitPolicy returns a policy that stops Run after 'n' cranks.
func CrankLimitPolicy(n int) RunPolicy {
	return &crankLimitPolicy{left: n}
}

func (p *crankLimitPolicy) count() bool {
	p.left--
	return p.left > 0
}

func (p *crankLimitPolicy) AllowCleanup() (bool, *state.CleanupBudget) { return true, nil }
func (p *crankLimitPolicy) CrankComplete(CrankInfo) bool               { return p.count() }
func (p *crankLimitPolicy) CrankFailed(CrankInfo) bool                 { return p.count() }
func (p *crankLimitPolicy) EmptyCrank() bool                           { return p.count() }
func (p *crankLimitPolicy) DidCleanup(state.CleanupWork) bool          { return p.count() }

// cleanupPolicy wraps a policy to control terminated-vat cleanup.
type cleanupPolicy struct {
	RunPolicy
	allow  bool
	budget *state.CleanupBudget
}

// WithCleanup returns 'p' with cleanup allowed or not, with 'budget' (nil
// for the kernel default).
func WithCleanup(p RunPolicy, allow bool, budget *state.CleanupBudget) RunPolicy {
	return &cleanupPolicy{RunPolicy: p, allow: allow, budget: budget}
}

func (p *cleanupPolicy) AllowCleanup() (bool, *state.CleanupBudget) {
	return p.allow, p.budget
}
