// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"bytes"
	"crypto"
	"fmt"
	"strconv"
	"strings"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
)

// VerifySignatures checks payload against a role's key assignment: at
// least threshold distinct key IDs from authorizedKeyIDs must have a
// valid signature in sigs. Signatures are deduplicated by key ID with
// the first occurrence winning. A signature whose key ID is unknown,
// whose scheme is unsupported or which fails cryptographic verification
// is skipped rather than fatal, so one bad key never blocks threshold
// evaluation by the remaining keys.
func VerifySignatures(payload []byte, sigs []Signature, keys map[string]*Key, authorizedKeyIDs []string, threshold int) error {
	if threshold < 1 {
		return ErrValue{Msg: fmt.Sprintf("invalid threshold %d", threshold)}
	}
	// first signature per key ID wins
	sigByKeyID := map[string]Signature{}
	for _, sig := range sigs {
		if _, ok := sigByKeyID[sig.KeyID]; !ok {
			sigByKeyID[sig.KeyID] = sig
		}
	}
	verified := map[string]bool{}
	for _, keyID := range authorizedKeyIDs {
		sig, ok := sigByKeyID[keyID]
		if !ok {
			continue
		}
		key, ok := keys[keyID]
		if !ok {
			log.Info("Key ID authorized but not in key store", "keyID", keyID)
			continue
		}
		public, err := key.ToPublicKey()
		if err != nil {
			log.Info("Skipping unusable key", "keyID", keyID, "reason", err.Error())
			continue
		}
		// ed25519 verifies over the message itself, everything else
		// over its sha256 digest
		hashFunc := crypto.SHA256
		if key.Type == KeyTypeEd25519 {
			hashFunc = crypto.Hash(0)
		}
		verifier, err := signature.LoadVerifier(public, hashFunc)
		if err != nil {
			log.Info("Skipping key without a verifier", "keyID", keyID, "reason", err.Error())
			continue
		}
		if err := verifier.VerifySignature(bytes.NewReader(sig.Signature), bytes.NewReader(payload)); err != nil {
			log.Info("Signature verification failed", "keyID", keyID)
			continue
		}
		verified[keyID] = true
	}
	if len(verified) < threshold {
		return ErrUnsignedMetadata{Msg: fmt.Sprintf("not enough signatures, got %d, want %d", len(verified), threshold)}
	}
	return nil
}

// roleKeys is a role's resolved key assignment: the owning key store
// plus the authorized IDs and threshold for one role name.
type roleKeys struct {
	keys      map[string]*Key
	keyIDs    []string
	threshold int
}

// delegateKeys resolves the key assignment a root payload declares for
// a top level role.
func (signed *RootType) delegateKeys(roleName string) (roleKeys, error) {
	role, ok := signed.Roles[roleName]
	if !ok {
		return roleKeys{}, ErrValue{Msg: fmt.Sprintf("no delegation found for %s", roleName)}
	}
	return roleKeys{keys: signed.Keys, keyIDs: role.KeyIDs, threshold: role.Threshold}, nil
}

// delegateKeys resolves the key assignment a targets payload declares
// for a delegated role, either from its named roles or from its
// succinct bins.
func (signed *TargetsType) delegateKeys(roleName string) (roleKeys, error) {
	if signed.Delegations == nil {
		return roleKeys{}, ErrValue{Msg: fmt.Sprintf("no delegation found for %s", roleName)}
	}
	for _, role := range signed.Delegations.Roles {
		if role.Name == roleName {
			return roleKeys{
				keys:      signed.Delegations.Keys,
				keyIDs:    role.KeyIDs,
				threshold: role.Threshold,
			}, nil
		}
	}
	if sr := signed.Delegations.SuccinctRoles; sr != nil && sr.IsDelegatedRole(roleName) {
		return roleKeys{
			keys:      signed.Delegations.Keys,
			keyIDs:    sr.KeyIDs,
			threshold: sr.Threshold,
		}, nil
	}
	return roleKeys{}, ErrValue{Msg: fmt.Sprintf("no delegation found for %s", roleName)}
}

// VerifyDelegate verifies that delegatedMetadata carries a threshold of
// valid signatures from the keys this metadata assigns to roleName.
// Valid only on root and targets metadata, the two delegator types.
func (meta *Metadata[T]) VerifyDelegate(roleName string, delegatedMetadata any) error {
	var rk roleKeys
	var err error
	switch delegator := any(meta).(type) {
	case *Metadata[RootType]:
		rk, err = delegator.Signed.delegateKeys(roleName)
	case *Metadata[TargetsType]:
		rk, err = delegator.Signed.delegateKeys(roleName)
	default:
		return ErrType{Msg: "call is valid only on delegator metadata (should be either root or targets)"}
	}
	if err != nil {
		return err
	}
	if len(rk.keyIDs) == 0 {
		return ErrValue{Msg: fmt.Sprintf("no delegation found for %s", roleName)}
	}
	payload, sigs, err := canonicalPayload(delegatedMetadata)
	if err != nil {
		return err
	}
	if err := VerifySignatures(payload, sigs, rk.keys, rk.keyIDs, rk.threshold); err != nil {
		if unsigned, ok := err.(ErrUnsignedMetadata); ok {
			return ErrUnsignedMetadata{Msg: fmt.Sprintf("verifying %s failed: %s", roleName, unsigned.Msg)}
		}
		return err
	}
	log.Info("Verified metadata", "role", roleName)
	return nil
}

// canonicalPayload extracts the canonical signing payload and the
// signature set from a metadata envelope of any role type.
func canonicalPayload(delegatedMetadata any) ([]byte, []Signature, error) {
	var signed any
	var sigs []Signature
	switch d := delegatedMetadata.(type) {
	case *Metadata[RootType]:
		signed, sigs = d.Signed, d.Signatures
	case *Metadata[TimestampType]:
		signed, sigs = d.Signed, d.Signatures
	case *Metadata[SnapshotType]:
		signed, sigs = d.Signed, d.Signatures
	case *Metadata[TargetsType]:
		signed, sigs = d.Signed, d.Signatures
	default:
		return nil, nil, ErrType{Msg: "unknown delegated metadata type"}
	}
	payload, err := cjson.EncodeCanonical(signed)
	if err != nil {
		return nil, nil, err
	}
	return payload, sigs, nil
}

// IsDelegatedRole reports whether roleName is one of the 2^BitLength
// bin roles of this succinct delegation. The name is checked by prefix
// and hex suffix instead of enumerating the bins, which at the larger
// bit lengths would be billions of names.
func (sr *SuccinctRoles) IsDelegatedRole(roleName string) bool {
	suffix, ok := strings.CutPrefix(roleName, sr.NamePrefix+"-")
	if !ok {
		return false
	}
	bin, err := strconv.ParseUint(suffix, 16, 64)
	if err != nil {
		return false
	}
	return bin < uint64(1)<<sr.BitLength
}
