// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"
)

// Error taxonomy for the client engine. Every validation failure has a
// typed error so callers can react with errors.Is; the Is methods encode
// the subset relations (e.g. every rollback error is also a repository
// error). Errors raised while talking to a remote are grouped under
// ErrDownload and are always distinguishable from validation failures.

// ErrRepository is the umbrella for all faults attributable to the
// repository, such as invalid, inconsistent or missing metadata.
type ErrRepository struct {
	Msg string
}

func (e ErrRepository) Error() string {
	return fmt.Sprintf("repository error: %s", e.Msg)
}

// ErrUnsignedMetadata means a metadata envelope did not reach the
// required threshold of distinct valid signatures.
type ErrUnsignedMetadata struct {
	Msg string
}

func (e ErrUnsignedMetadata) Error() string {
	return fmt.Sprintf("unsigned metadata error: %s", e.Msg)
}

func (e ErrUnsignedMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrUnsignedMetadata{}
}

// ErrBadVersionNumber means a metadata version did not match what the
// referencing metadata or the rotation sequence requires. Version
// regressions are rollback attacks and use this type as well.
type ErrBadVersionNumber struct {
	Msg string
}

func (e ErrBadVersionNumber) Error() string {
	return fmt.Sprintf("bad version number error: %s", e.Msg)
}

func (e ErrBadVersionNumber) Is(target error) bool {
	return target == ErrRepository{} || target == ErrBadVersionNumber{}
}

// ErrEqualVersionNumber signals that a candidate carried exactly the
// version that is already trusted. The updater treats this as "nothing
// new" rather than as a failure.
type ErrEqualVersionNumber struct {
	Msg string
}

func (e ErrEqualVersionNumber) Error() string {
	return fmt.Sprintf("equal version number error: %s", e.Msg)
}

func (e ErrEqualVersionNumber) Is(target error) bool {
	return target == ErrRepository{} || target == ErrBadVersionNumber{} ||
		target == ErrEqualVersionNumber{}
}

// ErrExpiredMetadata means metadata expired relative to the reference
// time at the moment it would have become trusted.
type ErrExpiredMetadata struct {
	Msg string
}

func (e ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("expired metadata error: %s", e.Msg)
}

func (e ErrExpiredMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrExpiredMetadata{}
}

// ErrLengthOrHashMismatch means data did not match the length or hashes
// its referencing metadata declared for it.
type ErrLengthOrHashMismatch struct {
	Msg string
}

func (e ErrLengthOrHashMismatch) Error() string {
	return fmt.Sprintf("length/hash verification error: %s", e.Msg)
}

func (e ErrLengthOrHashMismatch) Is(target error) bool {
	return target == ErrRepository{} || target == ErrLengthOrHashMismatch{}
}

// ErrMaxDelegations means a target lookup visited more delegated roles
// than the configured ceiling allows.
type ErrMaxDelegations struct {
	Target         string
	MaxDelegations int
}

func (e ErrMaxDelegations) Error() string {
	return fmt.Sprintf("visited more than %d roles looking up %s", e.MaxDelegations, e.Target)
}

func (e ErrMaxDelegations) Is(target error) bool {
	return target == ErrRepository{} || target == ErrMaxDelegations{}
}

// ErrMaxDelegationDepth means a target lookup descended deeper into the
// delegation graph than the configured ceiling allows.
type ErrMaxDelegationDepth struct {
	Target   string
	MaxDepth int
}

func (e ErrMaxDelegationDepth) Error() string {
	return fmt.Sprintf("delegation depth exceeded %d looking up %s", e.MaxDepth, e.Target)
}

func (e ErrMaxDelegationDepth) Is(target error) bool {
	return target == ErrRepository{} || target == ErrMaxDelegationDepth{}
}

// ErrTargetNotFound reports that the delegation graph was exhausted
// without a match. It carries no trust failure: the trusted state is
// exactly what it was before the lookup.
type ErrTargetNotFound struct {
	Target string
}

func (e ErrTargetNotFound) Error() string {
	return fmt.Sprintf("target %s not found", e.Target)
}

// Download errors

// ErrDownload is the umbrella for faults raised while fetching a file.
type ErrDownload struct {
	Msg string
}

func (e ErrDownload) Error() string {
	return fmt.Sprintf("download error: %s", e.Msg)
}

// ErrDownloadLengthMismatch means a fetched file exceeded the maximum
// byte length the caller allowed for it.
type ErrDownloadLengthMismatch struct {
	Msg string
}

func (e ErrDownloadLengthMismatch) Error() string {
	return fmt.Sprintf("download length mismatch error: %s", e.Msg)
}

func (e ErrDownloadLengthMismatch) Is(target error) bool {
	return target == ErrDownload{} || target == ErrDownloadLengthMismatch{}
}

// ErrDownloadHTTP is returned by Fetcher implementations for non-2xx
// HTTP responses.
type ErrDownloadHTTP struct {
	StatusCode int
	URL        string
}

func (e ErrDownloadHTTP) Error() string {
	return fmt.Sprintf("failed to download %s, http status code: %d", e.URL, e.StatusCode)
}

func (e ErrDownloadHTTP) Is(target error) bool {
	return target == ErrDownload{} || target == ErrDownloadHTTP{}
}

// ErrValue reports malformed input, from JSON that does not decode to
// fields whose decoded values are out of range.
type ErrValue struct {
	Msg string
}

func (e ErrValue) Error() string {
	return fmt.Sprintf("value error: %s", e.Msg)
}

// ErrType reports an operation invoked on a metadata type that does not
// support it.
type ErrType struct {
	Msg string
}

func (e ErrType) Error() string {
	return fmt.Sprintf("type error: %s", e.Msg)
}

// ErrRuntime reports misuse of the API, such as loading roles out of
// order. It is deliberately distinct from every validation error.
type ErrRuntime struct {
	Msg string
}

func (e ErrRuntime) Error() string {
	return fmt.Sprintf("runtime error: %s", e.Msg)
}
