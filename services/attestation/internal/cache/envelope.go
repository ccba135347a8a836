package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianpay/offline-settle/attestation"
)

// EnvelopeCache adapts Client into attestation.EnvelopeCache, letting a
// multi-replica deployment of the Attestation Service share its 1-hour
// /verify-attestation dedup window instead of each instance keeping its
// own in-process table.
type EnvelopeCache struct {
	client *Client
	prefix string
}

// NewEnvelopeCache wraps client for use as an attestation.EnvelopeCache.
func NewEnvelopeCache(client *Client) *EnvelopeCache {
	return &EnvelopeCache{client: client, prefix: "attestation:envelope:"}
}

func (c *EnvelopeCache) Get(bundleID string) (attestation.CachedVerification, bool) {
	raw, err := c.client.Get(context.Background(), c.prefix+bundleID)
	if err != nil {
		return attestation.CachedVerification{}, false
	}
	var v attestation.CachedVerification
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return attestation.CachedVerification{}, false
	}
	return v, true
}

func (c *EnvelopeCache) Set(bundleID string, v attestation.CachedVerification, ttl time.Duration) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.client.Set(context.Background(), c.prefix+bundleID, encoded, ttl)
}
