// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements the trust metadata model: typed role
// payloads wrapped in signed envelopes, canonical serialization,
// threshold signature verification and delegation path matching.
package metadata

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
	"golang.org/x/exp/slices"
)

// Root returns a new, unsigned root metadata instance. With no argument
// the payload expires immediately.
func Root(expires ...time.Time) *Metadata[RootType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	roles := map[string]*Role{}
	for _, name := range TopLevelRoleNames() {
		roles[name] = &Role{KeyIDs: []string{}, Threshold: 1}
	}
	return &Metadata[RootType]{
		Signed: RootType{
			Type:               ROOT,
			SpecVersion:        SPECIFICATION_VERSION,
			Version:            1,
			Expires:            expires[0],
			Keys:               map[string]*Key{},
			Roles:              roles,
			ConsistentSnapshot: true,
		},
		Signatures: []Signature{},
	}
}

// Timestamp returns a new, unsigned timestamp metadata instance
// referencing snapshot version 1.
func Timestamp(expires ...time.Time) *Metadata[TimestampType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[TimestampType]{
		Signed: TimestampType{
			Type:        TIMESTAMP,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]*MetaFiles{
				MetaFileName(SNAPSHOT): {Version: 1},
			},
		},
		Signatures: []Signature{},
	}
}

// Snapshot returns a new, unsigned snapshot metadata instance
// referencing the top level targets file at version 1.
func Snapshot(expires ...time.Time) *Metadata[SnapshotType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[SnapshotType]{
		Signed: SnapshotType{
			Type:        SNAPSHOT,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]*MetaFiles{
				MetaFileName(TARGETS): {Version: 1},
			},
		},
		Signatures: []Signature{},
	}
}

// Targets returns a new, unsigned targets metadata instance with no
// target entries and no delegations.
func Targets(expires ...time.Time) *Metadata[TargetsType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	return &Metadata[TargetsType]{
		Signed: TargetsType{
			Type:        TARGETS,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Targets:     map[string]*TargetFiles{},
		},
		Signatures: []Signature{},
	}
}

// TopLevelRoleNames lists the four top level roles in load order.
func TopLevelRoleNames() []string {
	return []string{ROOT, TIMESTAMP, SNAPSHOT, TARGETS}
}

// MetaFileName returns the metadata file name a role is recorded under
// in timestamp/snapshot meta and in the local store.
func MetaFileName(roleName string) string {
	return fmt.Sprintf("%s.json", roleName)
}

// FromBytes decodes the receiver from a metadata document. The document
// must carry the payload type T; signature key IDs must be unique.
func (meta *Metadata[T]) FromBytes(data []byte) (*Metadata[T], error) {
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	return meta, nil
}

// FromFile decodes the receiver from a metadata file on disk.
func (meta *Metadata[T]) FromFile(name string) (*Metadata[T], error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return meta.FromBytes(data)
}

// ToBytes serializes the metadata, optionally indented.
func (meta *Metadata[T]) ToBytes(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(meta, "", " ")
	}
	return json.Marshal(meta)
}

// ToFile writes the serialized metadata to a file.
func (meta *Metadata[T]) ToFile(name string, pretty bool) error {
	data, err := meta.ToBytes(pretty)
	if err != nil {
		return err
	}
	return os.WriteFile(name, data, 0644)
}

// Sign signs the canonical encoding of the Signed part and appends the
// resulting signature to the envelope. Existing signatures are kept, so
// callers accumulating a threshold sign repeatedly; use ClearSignatures
// to start over.
func (meta *Metadata[T]) Sign(signer signature.Signer) (*Signature, error) {
	payload, err := cjson.EncodeCanonical(meta.Signed)
	if err != nil {
		return nil, err
	}
	sb, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrUnsignedMetadata{Msg: "problem signing metadata"}
	}
	public, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := KeyFromPublicKey(public)
	if err != nil {
		return nil, err
	}
	sig := Signature{
		KeyID:     key.ID(),
		Signature: sb,
	}
	meta.Signatures = append(meta.Signatures, sig)
	log.Info("Signed metadata", "keyID", key.ID())
	return &sig, nil
}

// ClearSignatures drops every signature from the envelope.
func (meta *Metadata[T]) ClearSignatures() {
	meta.Signatures = []Signature{}
}

// IsExpired reports whether the payload expired at or before
// referenceTime.
func (signed *RootType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired reports whether the payload expired at or before
// referenceTime.
func (signed *TimestampType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired reports whether the payload expired at or before
// referenceTime.
func (signed *SnapshotType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// IsExpired reports whether the payload expired at or before
// referenceTime.
func (signed *TargetsType) IsExpired(referenceTime time.Time) bool {
	return !signed.Expires.After(referenceTime)
}

// VerifyLengthHashes checks data against the length and hashes of the
// meta entry. Both are optional for MetaFiles; whatever is present must
// match exactly.
func (f *MetaFiles) VerifyLengthHashes(data []byte) error {
	if len(f.Hashes) > 0 {
		if err := verifyHashes(data, f.Hashes); err != nil {
			return err
		}
	}
	if f.Length != 0 {
		if err := verifyLength(data, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLengthHashes checks data against the length and hashes recorded
// for the target. Unlike MetaFiles, both are mandatory here.
func (f *TargetFiles) VerifyLengthHashes(data []byte) error {
	if err := verifyHashes(data, f.Hashes); err != nil {
		return err
	}
	return verifyLength(data, f.Length)
}

// TargetFile returns an empty artifact record.
func TargetFile() *TargetFiles {
	return &TargetFiles{
		Length: 0,
		Hashes: Hashes{},
	}
}

// FromBytes builds an artifact record for data using the given hash
// algorithms (sha256 when none are named).
func (t *TargetFiles) FromBytes(path string, data []byte, hashAlgorithms ...string) (*TargetFiles, error) {
	if len(hashAlgorithms) == 0 {
		hashAlgorithms = []string{"sha256"}
	}
	targetFile := &TargetFiles{
		Length: int64(len(data)),
		Hashes: Hashes{},
		Path:   path,
	}
	for _, algo := range hashAlgorithms {
		var hasher hash.Hash
		switch algo {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			return nil, ErrValue{Msg: fmt.Sprintf("unsupported hashing algorithm - %s", algo)}
		}
		if _, err := hasher.Write(data); err != nil {
			return nil, err
		}
		targetFile.Hashes[algo] = hasher.Sum(nil)
	}
	return targetFile, nil
}

// FromFile builds an artifact record from a file on disk.
func (t *TargetFiles) FromFile(localPath string, hashAlgorithms ...string) (*TargetFiles, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	return t.FromBytes(localPath, data, hashAlgorithms...)
}

// fromBytes decodes and sanity checks a metadata document of payload
// type T.
func fromBytes[T Roles](data []byte) (*Metadata[T], error) {
	meta := &Metadata[T]{}
	if err := checkType[T](data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, meta); err != nil {
		var verr ErrValue
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, ErrValue{Msg: fmt.Sprintf("decode metadata: %v", err)}
	}
	if err := checkUniqueSignatures(meta.Signatures); err != nil {
		return nil, err
	}
	return meta, nil
}

// checkUniqueSignatures rejects envelopes with more than one signature
// for the same key ID. Counting duplicates once happens later anyway;
// rejecting early keeps the "first valid wins" rule from ever mattering
// for honestly produced metadata.
func checkUniqueSignatures(signatures []Signature) error {
	seen := []string{}
	for _, sig := range signatures {
		if slices.Contains(seen, sig.KeyID) {
			return ErrValue{Msg: fmt.Sprintf("multiple signatures found for key ID %s", sig.KeyID)}
		}
		seen = append(seen, sig.KeyID)
	}
	return nil
}

// checkType verifies the document's declared payload type matches T.
func checkType[T Roles](data []byte) error {
	var envelope struct {
		Signed struct {
			Type string `json:"_type"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ErrValue{Msg: fmt.Sprintf("decode metadata envelope: %v", err)}
	}
	signedType := envelope.Signed.Type
	var expected string
	switch any(new(T)).(type) {
	case *RootType:
		expected = ROOT
	case *TimestampType:
		expected = TIMESTAMP
	case *SnapshotType:
		expected = SNAPSHOT
	case *TargetsType:
		expected = TARGETS
	}
	if signedType != expected {
		return ErrValue{Msg: fmt.Sprintf("expected metadata type %s, got - %s", expected, signedType)}
	}
	return nil
}

func verifyLength(data []byte, length int64) error {
	if length != int64(len(data)) {
		return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("length verification failed - expected %d, got %d", length, len(data))}
	}
	return nil
}

func verifyHashes(data []byte, hashes Hashes) error {
	for algo, digest := range hashes {
		var hasher hash.Hash
		switch algo {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed - unknown hashing algorithm - %s", algo)}
		}
		hasher.Write(data)
		if !bytes.Equal(digest, hasher.Sum(nil)) {
			return ErrLengthOrHashMismatch{Msg: fmt.Sprintf("hash verification failed - mismatch for algorithm %s", algo)}
		}
	}
	return nil
}

// PathHexDigest returns the lowercase hex sha256 digest of a target
// path, the value prefix matched by path_hash_prefixes delegations.
func PathHexDigest(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}
