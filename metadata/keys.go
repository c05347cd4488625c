// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/exp/slices"
)

// Supported key types and signing schemes.
const (
	KeyTypeEd25519             = "ed25519"
	KeyTypeECDSA_SHA2_P256     = "ecdsa-sha2-nistp256"
	KeyTypeRSASSA_PSS_SHA256   = "rsa"
	KeySchemeEd25519           = "ed25519"
	KeySchemeECDSA_SHA2_P256   = "ecdsa-sha2-nistp256"
	KeySchemeRSASSA_PSS_SHA256 = "rsassa-pss-sha256"
)

// ToPublicKey converts the stored key material into a crypto.PublicKey.
// rsa and ecdsa material is PEM encoded, ed25519 material is plain hex.
func (k *Key) ToPublicKey() (crypto.PublicKey, error) {
	switch k.Type {
	case KeyTypeRSASSA_PSS_SHA256:
		publicKey, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(k.Value.PublicKey))
		if err != nil {
			return nil, err
		}
		rsaKey, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return nil, ErrValue{Msg: "invalid rsa public key"}
		}
		if _, err := x509.MarshalPKIXPublicKey(rsaKey); err != nil {
			return nil, err
		}
		return rsaKey, nil
	case KeyTypeECDSA_SHA2_P256:
		publicKey, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(k.Value.PublicKey))
		if err != nil {
			return nil, err
		}
		ecdsaKey, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, ErrValue{Msg: "invalid ecdsa public key"}
		}
		if _, err := x509.MarshalPKIXPublicKey(ecdsaKey); err != nil {
			return nil, err
		}
		return ecdsaKey, nil
	case KeyTypeEd25519:
		material, err := hex.DecodeString(k.Value.PublicKey)
		if err != nil {
			return nil, err
		}
		ed25519Key := ed25519.PublicKey(material)
		if _, err := x509.MarshalPKIXPublicKey(ed25519Key); err != nil {
			return nil, err
		}
		return ed25519Key, nil
	}
	return nil, ErrValue{Msg: fmt.Sprintf("unsupported public key type %s", k.Type)}
}

// KeyFromPublicKey builds the metadata Key record for a
// crypto.PublicKey.
func KeyFromPublicKey(k crypto.PublicKey) (*Key, error) {
	key := &Key{}
	switch k := k.(type) {
	case *rsa.PublicKey:
		key.Type = KeyTypeRSASSA_PSS_SHA256
		key.Scheme = KeySchemeRSASSA_PSS_SHA256
		pemKey, err := cryptoutils.MarshalPublicKeyToPEM(k)
		if err != nil {
			return nil, err
		}
		key.Value.PublicKey = string(pemKey)
	case *ecdsa.PublicKey:
		key.Type = KeyTypeECDSA_SHA2_P256
		key.Scheme = KeySchemeECDSA_SHA2_P256
		pemKey, err := cryptoutils.MarshalPublicKeyToPEM(k)
		if err != nil {
			return nil, err
		}
		key.Value.PublicKey = string(pemKey)
	case ed25519.PublicKey:
		key.Type = KeyTypeEd25519
		key.Scheme = KeySchemeEd25519
		key.Value.PublicKey = hex.EncodeToString(k)
	default:
		return nil, ErrValue{Msg: "unsupported public key type"}
	}
	return key, nil
}

// ID returns the key's identifier: the hex sha256 digest of the key's
// canonical encoding. Computed once and memoized.
func (k *Key) ID() string {
	k.idOnce.Do(func() {
		data, err := cjson.EncodeCanonical(k)
		if err != nil {
			panic(fmt.Errorf("error creating key ID: %w", err))
		}
		digest := sha256.Sum256(data)
		k.id = hex.EncodeToString(digest[:])
	})
	return k.id
}

// AddKey authorizes key for a top level role and records it in the root
// key store.
func (signed *RootType) AddKey(key *Key, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, key.ID()) {
		signed.Roles[role].KeyIDs = append(signed.Roles[role].KeyIDs, key.ID())
	}
	signed.Keys[key.ID()] = key
	return nil
}

// RevokeKey removes keyID from a top level role and drops the key from
// the key store when no other role still uses it.
func (signed *RootType) RevokeKey(keyID, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, keyID) {
		return ErrValue{Msg: fmt.Sprintf("key with id %s is not used by %s", keyID, role)}
	}
	filtered := []string{}
	for _, id := range signed.Roles[role].KeyIDs {
		if id != keyID {
			filtered = append(filtered, id)
		}
	}
	signed.Roles[role].KeyIDs = filtered
	for _, r := range signed.Roles {
		if slices.Contains(r.KeyIDs, keyID) {
			return nil
		}
	}
	delete(signed.Keys, keyID)
	return nil
}

// AddKey authorizes key for the named delegated role (or for every
// succinct bin when role names the succinct delegation's prefix) and
// records it in the delegations key store.
func (signed *TargetsType) AddKey(key *Key, role string) error {
	if signed.Delegations == nil {
		return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
	}
	if sr := signed.Delegations.SuccinctRoles; sr != nil && sr.NamePrefix == role {
		if !slices.Contains(sr.KeyIDs, key.ID()) {
			sr.KeyIDs = append(sr.KeyIDs, key.ID())
		}
		signed.Delegations.Keys[key.ID()] = key
		return nil
	}
	for i, d := range signed.Delegations.Roles {
		if d.Name != role {
			continue
		}
		if !slices.Contains(d.KeyIDs, key.ID()) {
			signed.Delegations.Roles[i].KeyIDs = append(signed.Delegations.Roles[i].KeyIDs, key.ID())
		}
		signed.Delegations.Keys[key.ID()] = key
		return nil
	}
	return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
}

// RevokeKey removes keyID from the named delegated role and drops the
// key from the delegations key store when no other delegated role still
// uses it.
func (signed *TargetsType) RevokeKey(keyID, role string) error {
	if signed.Delegations == nil {
		return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
	}
	for i, d := range signed.Delegations.Roles {
		if d.Name != role {
			continue
		}
		if !slices.Contains(d.KeyIDs, keyID) {
			return ErrValue{Msg: fmt.Sprintf("key with id %s is not used by %s", keyID, role)}
		}
		filtered := []string{}
		for _, id := range d.KeyIDs {
			if id != keyID {
				filtered = append(filtered, id)
			}
		}
		signed.Delegations.Roles[i].KeyIDs = filtered
		for _, r := range signed.Delegations.Roles {
			if slices.Contains(r.KeyIDs, keyID) {
				return nil
			}
		}
		delete(signed.Delegations.Keys, keyID)
		return nil
	}
	return ErrValue{Msg: fmt.Sprintf("delegated role %s doesn't exist", role)}
}
