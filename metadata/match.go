// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
)

// RoleResult is one delegation worth following for a target path: the
// delegated role's name and whether the delegation is terminating.
type RoleResult struct {
	Name        string
	Terminating bool
}

// GetRolesForTarget returns, in declared order, the delegated roles
// responsible for targetFilepath. With succinct bins there is exactly
// one responsible role and it is treated as terminating, since the bins
// partition the whole hash space.
func (d *Delegations) GetRolesForTarget(targetFilepath string) []RoleResult {
	if d.SuccinctRoles != nil {
		return []RoleResult{{
			Name:        d.SuccinctRoles.GetRoleForTarget(targetFilepath),
			Terminating: true,
		}}
	}
	var res []RoleResult
	for _, role := range d.Roles {
		if role.IsDelegatedPath(targetFilepath) {
			res = append(res, RoleResult{Name: role.Name, Terminating: role.Terminating})
		}
	}
	return res
}

// IsDelegatedPath reports whether targetFilepath lies in the namespace
// this role is trusted for, by path pattern or by hash prefix.
func (role *DelegatedRole) IsDelegatedPath(targetFilepath string) bool {
	if len(role.Paths) > 0 {
		for _, pattern := range role.Paths {
			if matchesPathPattern(pattern, targetFilepath) {
				return true
			}
		}
		return false
	}
	if len(role.PathHashPrefixes) > 0 {
		digest := PathHexDigest(targetFilepath)
		for _, prefix := range role.PathHashPrefixes {
			if strings.HasPrefix(digest, prefix) {
				return true
			}
		}
	}
	return false
}

// matchesPathPattern matches a target path against a glob-style
// pattern, segment by segment: "*" never crosses a "/" so "a/*" matches
// "a/b" but not "a/b/c".
func matchesPathPattern(pattern, targetFilepath string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(targetFilepath, "/")
	if len(patternParts) != len(pathParts) {
		return false
	}
	for i := range patternParts {
		ok, err := filepath.Match(patternParts[i], pathParts[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// GetRoleForTarget returns the name of the bin role responsible for
// targetFilepath: the bin index is the top BitLength bits of
// sha256(path).
func (sr *SuccinctRoles) GetRoleForTarget(targetFilepath string) string {
	digest := sha256.Sum256([]byte(targetFilepath))
	binNumber := binary.BigEndian.Uint32(digest[:4]) >> (32 - sr.BitLength)
	return fmt.Sprintf("%s-%0*x", sr.NamePrefix, sr.suffixLen(), binNumber)
}

// GetRoles returns the names of all bin roles, in bin order.
func (sr *SuccinctRoles) GetRoles() []string {
	numBins := 1 << sr.BitLength
	suffixLen := sr.suffixLen()
	roles := make([]string, 0, numBins)
	for bin := 0; bin < numBins; bin++ {
		roles = append(roles, fmt.Sprintf("%s-%0*x", sr.NamePrefix, suffixLen, bin))
	}
	return roles
}

// suffixLen is the number of hex digits needed for the largest bin
// index.
func (sr *SuccinctRoles) suffixLen() int {
	return ((sr.BitLength - 1) / 4) + 1
}
