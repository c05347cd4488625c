// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/json"
	"sync"
	"time"
)

// SPECIFICATION_VERSION is the metadata format version emitted by this
// implementation.
const SPECIFICATION_VERSION = "1.0.31"

// Top level role names. Any other role name refers to delegated targets.
const (
	ROOT      = "root"
	TIMESTAMP = "timestamp"
	SNAPSHOT  = "snapshot"
	TARGETS   = "targets"
)

// Roles constrains the generic Metadata envelope to one of the four
// role payload types.
type Roles interface {
	RootType | TimestampType | SnapshotType | TargetsType
}

// Metadata is the signed envelope around a role payload: the Signed part
// plus the signatures covering its canonical encoding. Fields this
// implementation does not understand are carried in UnrecognizedFields
// and re-emitted verbatim so that re-encoding never invalidates
// signatures produced by other implementations.
type Metadata[T Roles] struct {
	Signed             T              `json:"signed"`
	Signatures         []Signature    `json:"signatures"`
	UnrecognizedFields map[string]any `json:"-"`
}

// Signature is a single (keyid, sig) pair from the envelope.
type Signature struct {
	KeyID              string         `json:"keyid"`
	Signature          HexBytes       `json:"sig"`
	UnrecognizedFields map[string]any `json:"-"`
}

// RootType is the root role payload. Root is self-describing: it owns the
// key store and the (keyids, threshold) assignment for every top level
// role, including the root role itself.
type RootType struct {
	Type               string           `json:"_type"`
	SpecVersion        string           `json:"spec_version"`
	ConsistentSnapshot bool             `json:"consistent_snapshot"`
	Version            int64            `json:"version"`
	Expires            time.Time        `json:"expires"`
	Keys               map[string]*Key  `json:"keys"`
	Roles              map[string]*Role `json:"roles"`
	UnrecognizedFields map[string]any   `json:"-"`
}

// TimestampType is the timestamp role payload: a single Meta entry for
// the snapshot file.
type TimestampType struct {
	Type               string                `json:"_type"`
	SpecVersion        string                `json:"spec_version"`
	Version            int64                 `json:"version"`
	Expires            time.Time             `json:"expires"`
	Meta               map[string]*MetaFiles `json:"meta"`
	UnrecognizedFields map[string]any        `json:"-"`
}

// SnapshotType is the snapshot role payload: one Meta entry per targets
// metadata file in the repository.
type SnapshotType struct {
	Type               string                `json:"_type"`
	SpecVersion        string                `json:"spec_version"`
	Version            int64                 `json:"version"`
	Expires            time.Time             `json:"expires"`
	Meta               map[string]*MetaFiles `json:"meta"`
	UnrecognizedFields map[string]any        `json:"-"`
}

// TargetsType is the payload of the top level targets role and of every
// delegated targets role.
type TargetsType struct {
	Type               string                  `json:"_type"`
	SpecVersion        string                  `json:"spec_version"`
	Version            int64                   `json:"version"`
	Expires            time.Time               `json:"expires"`
	Targets            map[string]*TargetFiles `json:"targets"`
	Delegations        *Delegations            `json:"delegations,omitempty"`
	UnrecognizedFields map[string]any          `json:"-"`
}

// Key holds public key material plus the signing scheme it is used with.
// Keys live in exactly one owning map (root's Keys, or a delegating
// targets role's Delegations.Keys) and are referenced everywhere else by
// ID only.
type Key struct {
	Type               string         `json:"keytype"`
	Scheme             string         `json:"scheme"`
	Value              KeyVal         `json:"keyval"`
	UnrecognizedFields map[string]any `json:"-"`
	id                 string
	idOnce             sync.Once
}

// KeyVal carries the encoded public key material.
type KeyVal struct {
	PublicKey          string         `json:"public"`
	UnrecognizedFields map[string]any `json:"-"`
}

// Role assigns a set of key IDs and a signature threshold to a top level
// role name.
type Role struct {
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	UnrecognizedFields map[string]any `json:"-"`
}

// HexBytes is a byte slice that serializes as a hex string.
type HexBytes []byte

// Hashes maps a hash algorithm name to a digest value.
type Hashes map[string]HexBytes

// MetaFiles describes a metadata file as referenced from timestamp or
// snapshot: its version, and optionally its length and hashes.
type MetaFiles struct {
	Length             int64          `json:"length,omitempty"`
	Hashes             Hashes         `json:"hashes,omitempty"`
	Version            int64          `json:"version"`
	UnrecognizedFields map[string]any `json:"-"`
}

// TargetFiles describes one artifact: its length, hashes and optional
// custom metadata. Path is the artifact path the entry was found under;
// it is populated by lookups and is not part of the wire format.
type TargetFiles struct {
	Length             int64            `json:"length"`
	Hashes             Hashes           `json:"hashes"`
	Custom             *json.RawMessage `json:"custom,omitempty"`
	Path               string           `json:"-"`
	UnrecognizedFields map[string]any   `json:"-"`
}

// Delegations is the delegation block of a targets role: the keys used
// by its delegatees plus either an ordered list of named roles or a
// succinct hashed-bin scheme, never both.
type Delegations struct {
	Keys               map[string]*Key `json:"keys"`
	Roles              []DelegatedRole `json:"roles,omitempty"`
	SuccinctRoles      *SuccinctRoles  `json:"succinct_roles,omitempty"`
	UnrecognizedFields map[string]any  `json:"-"`
}

// DelegatedRole names a delegated targets role and scopes the paths it
// is trusted for, either by path patterns or by hash prefixes.
type DelegatedRole struct {
	Name               string         `json:"name"`
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	Terminating        bool           `json:"terminating"`
	Paths              []string       `json:"paths,omitempty"`
	PathHashPrefixes   []string       `json:"path_hash_prefixes,omitempty"`
	UnrecognizedFields map[string]any `json:"-"`
}

// SuccinctRoles delegates to 2^BitLength bin roles that exactly
// partition the space of target path hashes. All bins share one key set
// and threshold and are named NamePrefix + "-" + a zero padded hex bin
// index.
type SuccinctRoles struct {
	KeyIDs             []string       `json:"keyids"`
	Threshold          int            `json:"threshold"`
	BitLength          int            `json:"bit_length"`
	NamePrefix         string         `json:"name_prefix"`
	UnrecognizedFields map[string]any `json:"-"`
}
