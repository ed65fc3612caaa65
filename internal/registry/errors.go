// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package registry

import (
	"github.com/samber/oops"
)

// Error codes attached to oops errors raised by the registry.
const (
	CodeValidation      = "VALIDATION"
	CodeGroupNotFound   = "GROUP_NOT_FOUND"
	CodeDuplicatePlugin = "DUPLICATE_PLUGIN"
	CodeGuarded         = "GUARDED"
	CodeNotLoaded       = "NOT_LOADED"
	CodeUnresolvable    = "UNRESOLVABLE"
)

// ErrValidation creates an error for a malformed argument.
func ErrValidation(msg string) error {
	return oops.In("registry").
		Code(CodeValidation).
		Errorf("%s", msg)
}

// ErrGroupNotFound creates an error for a lookup against an
// unregistered group.
func ErrGroupNotFound(groupID string) error {
	return oops.In("registry").
		Code(CodeGroupNotFound).
		With("group", groupID).
		Errorf("group %q is not registered", groupID)
}

// ErrDuplicatePlugin creates an error for a load that collides with an
// already loaded plugin.
func ErrDuplicatePlugin(groupID, name string) error {
	return oops.In("registry").
		Code(CodeDuplicatePlugin).
		With("group", groupID).
		With("plugin", name).
		Errorf("plugin %q is already loaded in group %q", name, groupID)
}

// ErrGuarded creates an error for an unload attempt against a guarded
// plugin or a member of a guarded group.
func ErrGuarded(groupID, name string, groupGuarded bool) error {
	return oops.In("registry").
		Code(CodeGuarded).
		With("group", groupID).
		With("plugin", name).
		With("group_guarded", groupGuarded).
		Errorf("plugin %q in group %q is guarded and cannot be unloaded", name, groupID)
}

// ErrNotLoaded creates an error for an operation against a plugin that
// is not reachable through the registry.
func ErrNotLoaded(groupID, name string) error {
	return oops.In("registry").
		Code(CodeNotLoaded).
		With("group", groupID).
		With("plugin", name).
		Errorf("plugin %q in group %q is not loaded", name, groupID)
}

// ErrUnresolvable creates an error for a plugin whose factory cannot be
// matched back to a loaded code unit.
func ErrUnresolvable(groupID, name string) error {
	return oops.In("registry").
		Code(CodeUnresolvable).
		With("group", groupID).
		With("plugin", name).
		Errorf("no code unit handle found for plugin %q in group %q", name, groupID)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return oopsErr.Code() == code
}

// IsValidation returns true for bad-argument errors. Batch loading
// uses it to tell skippable factories from genuine failures; other
// codes are matched in tests via errutil.AssertErrorCode.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }
