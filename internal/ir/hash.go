package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainPayload     = "ivm/payload/v1"
	DomainSlice       = "ivm/slice/v1"
	DomainPath        = "ivm/path/v1"
	DomainChangeSet   = "ivm/changeset/v1"
	DomainIdempotency = "ivm/idempotency/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00}) // Null separator - CRITICAL for security
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes canonical payload bytes.
func PayloadHash(canonical []byte) string {
	return hashWithDomain(DomainPayload, canonical)
}

// SliceHash hashes a slice's canonical data together with the rule set that
// produced it, so a rule change always yields a new hash even when the
// projected data is unchanged.
func SliceHash(sliceType SliceType, canonicalData []byte, ruleSetID, ruleSetVersion string) string {
	obj := IRObject{
		"slice_type":       IRString(sliceType),
		"rule_set_id":      IRString(ruleSetID),
		"rule_set_version": IRString(ruleSetVersion),
		"data":             IRString(canonicalData),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Only strings are involved; marshaling cannot fail.
		panic(fmt.Sprintf("SliceHash: %v", err))
	}
	return hashWithDomain(DomainSlice, canonical)
}

// ValueHash hashes the canonical form of any value, e.g. a changed subtree.
func ValueHash(v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ValueHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPath, canonical), nil
}

// ChangeSetID computes the content-addressed id of a change set.
// Identity, versions, change type and every changed path with its content
// hash participate; impact data does not, since it is derived from these.
func ChangeSetID(tenantID, entityType, entityKey string, fromVersion, toVersion int64, changeType ChangeType, paths []ChangedPath, payloadHash string) (string, error) {
	pathList := make(IRArray, len(paths))
	for i, p := range paths {
		pathList[i] = IRObject{
			"path": IRString(p.Path),
			"hash": IRString(p.Hash),
		}
	}
	obj := IRObject{
		"tenant_id":     IRString(tenantID),
		"entity_type":   IRString(entityType),
		"entity_key":    IRString(entityKey),
		"from_version":  IRInt(fromVersion),
		"to_version":    IRInt(toVersion),
		"change_type":   IRString(changeType),
		"changed_paths": pathList,
		"payload_hash":  IRString(payloadHash),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ChangeSetID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainChangeSet, canonical), nil
}

// IdempotencyKey computes the dedup key for an outbox entry.
// The payload is canonicalized first so key order in the caller's JSON
// does not produce distinct keys for the same fact.
func IdempotencyKey(aggregateID, eventType string, payload []byte) (string, error) {
	canonicalPayload, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: %w", err)
	}
	obj := IRObject{
		"aggregate_id": IRString(aggregateID),
		"event_type":   IRString(eventType),
		"payload":      IRString(canonicalPayload),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainIdempotency, canonical), nil
}

// MustIdempotencyKey is like IdempotencyKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustIdempotencyKey(aggregateID, eventType string, payload []byte) string {
	key, err := IdempotencyKey(aggregateID, eventType, payload)
	if err != nil {
		panic(err)
	}
	return key
}

// VersionString renders a version for composing keys.
func VersionString(v int64) string {
	return strconv.FormatInt(v, 10)
}
