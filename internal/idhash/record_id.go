package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Record prefixes keep operation and rejection IDs for the same post distinct.
const (
	operationPrefix = "operation"
	rejectionPrefix = "rejection"
)

// ComputeOperationID computes a deterministic operation id using SHA256.
// Formula: SHA256(operation|post_id)
// Returns hex-encoded hash (64 characters).
func ComputeOperationID(postID string) string {
	return compute(operationPrefix, postID)
}

// ComputeRejectionID computes a deterministic rejection id using SHA256.
// Formula: SHA256(rejection|post_id)
// Returns hex-encoded hash (64 characters).
func ComputeRejectionID(postID string) string {
	return compute(rejectionPrefix, postID)
}

func compute(prefix, postID string) string {
	data := fmt.Sprintf("%s|%s", prefix, postID)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
