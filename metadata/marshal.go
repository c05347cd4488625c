// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// The hand written (Un)MarshalJSON implementations below have one job:
// round-trip fields this implementation does not know about. Every
// known field is lifted out of the raw document, the remainder is kept
// in UnrecognizedFields and merged back on encode. Signatures cover the
// canonical encoding of the Signed part, so dropping an unknown field
// on re-encode would break verification of third-party metadata.

// dictFrom copies the unrecognized fields into a fresh map the known
// fields can be merged into.
func dictFrom(unrecognized map[string]any) map[string]any {
	dict := make(map[string]any, len(unrecognized)+8)
	for k, v := range unrecognized {
		dict[k] = v
	}
	return dict
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	res := make([]byte, hex.EncodedLen(len(b))+2)
	res[0] = '"'
	res[len(res)-1] = '"'
	hex.Encode(res[1:], b)
	return res, nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || len(data)%2 != 0 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("invalid JSON hex bytes")
	}
	res := make([]byte, hex.DecodedLen(len(data)-2))
	if _, err := hex.Decode(res, data[1:len(data)-1]); err != nil {
		return err
	}
	*b = res
	return nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

func (meta *Metadata[T]) MarshalJSON() ([]byte, error) {
	dict := dictFrom(meta.UnrecognizedFields)
	dict["signed"] = meta.Signed
	dict["signatures"] = meta.Signatures
	return json.Marshal(dict)
}

func (meta *Metadata[T]) UnmarshalJSON(data []byte) error {
	dict := struct {
		Signed     T           `json:"signed"`
		Signatures []Signature `json:"signatures"`
	}{}
	if err := json.Unmarshal(data, &dict); err != nil {
		return err
	}
	meta.Signed = dict.Signed
	meta.Signatures = dict.Signatures

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	delete(rest, "signed")
	delete(rest, "signatures")
	meta.UnrecognizedFields = rest
	return nil
}

func (s Signature) MarshalJSON() ([]byte, error) {
	dict := dictFrom(s.UnrecognizedFields)
	dict["keyid"] = s.KeyID
	dict["sig"] = s.Signature
	return json.Marshal(dict)
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	type Alias Signature
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Signature(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	delete(rest, "keyid")
	delete(rest, "sig")
	s.UnrecognizedFields = rest
	return nil
}

func (signed RootType) MarshalJSON() ([]byte, error) {
	dict := dictFrom(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["consistent_snapshot"] = signed.ConsistentSnapshot
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["keys"] = signed.Keys
	dict["roles"] = signed.Roles
	return json.Marshal(dict)
}

func (signed *RootType) UnmarshalJSON(data []byte) error {
	type Alias RootType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = RootType(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"_type", "spec_version", "consistent_snapshot", "version", "expires", "keys", "roles"} {
		delete(rest, known)
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed TimestampType) MarshalJSON() ([]byte, error) {
	dict := dictFrom(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["meta"] = signed.Meta
	return json.Marshal(dict)
}

func (signed *TimestampType) UnmarshalJSON(data []byte) error {
	type Alias TimestampType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = TimestampType(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"_type", "spec_version", "version", "expires", "meta"} {
		delete(rest, known)
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed SnapshotType) MarshalJSON() ([]byte, error) {
	dict := dictFrom(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["meta"] = signed.Meta
	return json.Marshal(dict)
}

func (signed *SnapshotType) UnmarshalJSON(data []byte) error {
	type Alias SnapshotType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = SnapshotType(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"_type", "spec_version", "version", "expires", "meta"} {
		delete(rest, known)
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (signed TargetsType) MarshalJSON() ([]byte, error) {
	dict := dictFrom(signed.UnrecognizedFields)
	dict["_type"] = signed.Type
	dict["spec_version"] = signed.SpecVersion
	dict["version"] = signed.Version
	dict["expires"] = signed.Expires
	dict["targets"] = signed.Targets
	if signed.Delegations != nil {
		dict["delegations"] = signed.Delegations
	}
	return json.Marshal(dict)
}

func (signed *TargetsType) UnmarshalJSON(data []byte) error {
	type Alias TargetsType
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*signed = TargetsType(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"_type", "spec_version", "version", "expires", "targets", "delegations"} {
		delete(rest, known)
	}
	signed.UnrecognizedFields = rest
	return nil
}

func (f MetaFiles) MarshalJSON() ([]byte, error) {
	dict := dictFrom(f.UnrecognizedFields)
	// length and hashes are optional
	if f.Length != 0 {
		dict["length"] = f.Length
	}
	if len(f.Hashes) > 0 {
		dict["hashes"] = f.Hashes
	}
	dict["version"] = f.Version
	return json.Marshal(dict)
}

func (f *MetaFiles) UnmarshalJSON(data []byte) error {
	type Alias MetaFiles
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = MetaFiles(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"length", "hashes", "version"} {
		delete(rest, known)
	}
	f.UnrecognizedFields = rest
	return nil
}

func (f TargetFiles) MarshalJSON() ([]byte, error) {
	dict := dictFrom(f.UnrecognizedFields)
	dict["length"] = f.Length
	dict["hashes"] = f.Hashes
	if f.Custom != nil {
		dict["custom"] = f.Custom
	}
	return json.Marshal(dict)
}

func (f *TargetFiles) UnmarshalJSON(data []byte) error {
	type Alias TargetFiles
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = TargetFiles(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"length", "hashes", "custom"} {
		delete(rest, known)
	}
	f.UnrecognizedFields = rest
	return nil
}

func (k *Key) MarshalJSON() ([]byte, error) {
	dict := dictFrom(k.UnrecognizedFields)
	dict["keytype"] = k.Type
	dict["scheme"] = k.Scheme
	dict["keyval"] = k.Value
	return json.Marshal(dict)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	type Alias struct {
		Type   string `json:"keytype"`
		Scheme string `json:"scheme"`
		Value  KeyVal `json:"keyval"`
	}
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	k.Type = a.Type
	k.Scheme = a.Scheme
	k.Value = a.Value

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"keytype", "scheme", "keyval"} {
		delete(rest, known)
	}
	k.UnrecognizedFields = rest
	return nil
}

func (kv KeyVal) MarshalJSON() ([]byte, error) {
	dict := dictFrom(kv.UnrecognizedFields)
	dict["public"] = kv.PublicKey
	return json.Marshal(dict)
}

func (kv *KeyVal) UnmarshalJSON(data []byte) error {
	type Alias KeyVal
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*kv = KeyVal(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	delete(rest, "public")
	kv.UnrecognizedFields = rest
	return nil
}

func (r Role) MarshalJSON() ([]byte, error) {
	dict := dictFrom(r.UnrecognizedFields)
	dict["keyids"] = r.KeyIDs
	dict["threshold"] = r.Threshold
	return json.Marshal(dict)
}

func (r *Role) UnmarshalJSON(data []byte) error {
	type Alias Role
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Role(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	delete(rest, "keyids")
	delete(rest, "threshold")
	r.UnrecognizedFields = rest
	return nil
}

func (d Delegations) MarshalJSON() ([]byte, error) {
	dict := dictFrom(d.UnrecognizedFields)
	dict["keys"] = d.Keys
	// either named roles or succinct bins, never both
	if d.Roles != nil {
		dict["roles"] = d.Roles
	} else if d.SuccinctRoles != nil {
		dict["succinct_roles"] = d.SuccinctRoles
	}
	return json.Marshal(dict)
}

func (d *Delegations) UnmarshalJSON(data []byte) error {
	type Alias Delegations
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Delegations(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"keys", "roles", "succinct_roles"} {
		delete(rest, known)
	}
	d.UnrecognizedFields = rest
	return nil
}

func (role DelegatedRole) MarshalJSON() ([]byte, error) {
	dict := dictFrom(role.UnrecognizedFields)
	dict["name"] = role.Name
	dict["keyids"] = role.KeyIDs
	dict["threshold"] = role.Threshold
	dict["terminating"] = role.Terminating
	// either paths or path_hash_prefixes, never both
	if role.Paths != nil {
		dict["paths"] = role.Paths
	} else if role.PathHashPrefixes != nil {
		dict["path_hash_prefixes"] = role.PathHashPrefixes
	}
	return json.Marshal(dict)
}

func (role *DelegatedRole) UnmarshalJSON(data []byte) error {
	type Alias DelegatedRole
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*role = DelegatedRole(a)

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"name", "keyids", "threshold", "terminating", "paths", "path_hash_prefixes"} {
		delete(rest, known)
	}
	role.UnrecognizedFields = rest
	return nil
}

func (sr SuccinctRoles) MarshalJSON() ([]byte, error) {
	dict := dictFrom(sr.UnrecognizedFields)
	dict["keyids"] = sr.KeyIDs
	dict["threshold"] = sr.Threshold
	dict["bit_length"] = sr.BitLength
	dict["name_prefix"] = sr.NamePrefix
	return json.Marshal(dict)
}

func (sr *SuccinctRoles) UnmarshalJSON(data []byte) error {
	type Alias SuccinctRoles
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*sr = SuccinctRoles(a)
	// the bin index is a shift of a 32 bit hash prefix, so anything
	// outside 1..32 would panic or degenerate at lookup time
	if sr.BitLength < 1 || sr.BitLength > 32 {
		return ErrValue{Msg: fmt.Sprintf("succinct delegation bit_length %d outside 1..32", sr.BitLength)}
	}

	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, known := range []string{"keyids", "threshold", "bit_length", "name_prefix"} {
		delete(rest, known)
	}
	sr.UnrecognizedFields = rest
	return nil
}
