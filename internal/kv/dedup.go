package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a request fingerprint maps to an in-flight
// job. Rapid-fire identical submissions within the window converge on one job.
const DefaultDedupTTL = 30 * time.Second

// Fingerprint computes the deduplication key for a generation request. The
// referenced-message ids and attachment hashes are sorted so that ordering
// differences in the payload do not defeat deduplication.
func Fingerprint(userID, personalityID, message string, referencedIDs, attachmentHashes []string) string {
	refs := append([]string(nil), referencedIDs...)
	sort.Strings(refs)
	hashes := append([]string(nil), attachmentHashes...)
	sort.Strings(hashes)

	h := sha256.New()
	for _, part := range []string{userID, personalityID, message, strings.Join(refs, ","), strings.Join(hashes, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Deduplicator maps request fingerprints to in-flight job ids in the shared
// KV so that all ingress replicas agree on a single job per fingerprint.
type Deduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduplicator returns a Deduplicator with the given TTL; ttl <= 0 uses
// DefaultDedupTTL.
func NewDeduplicator(client *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduplicator{client: client, ttl: ttl}
}

// Reserve associates fingerprint with jobID unless another job already holds
// it. The returned job id is the one all callers should use: jobID on a
// fresh reservation, or the previously stored id on a duplicate. SET NX GET
// makes the check-and-set a single atomic operation across replicas.
func (d *Deduplicator) Reserve(ctx context.Context, fingerprint, jobID string) (winner string, duplicate bool, err error) {
	key := "dedup:" + fingerprint

	prev, err := d.client.SetArgs(ctx, key, jobID, redis.SetArgs{
		Mode: "NX",
		Get:  true,
		TTL:  d.ttl,
	}).Result()
	switch {
	case err == redis.Nil:
		// No previous value: our reservation won.
		return jobID, false, nil
	case err != nil:
		return "", false, fmt.Errorf("kv: dedup reserve: %w", err)
	default:
		return prev, true, nil
	}
}
