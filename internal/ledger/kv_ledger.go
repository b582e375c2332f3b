// Package ledger records purchase entitlements in a NATS JetStream key-value
// bucket and answers entitlement checks from it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Entitlement is the record stored for one purchase.
type Entitlement struct {
	URI       string `json:"uri"`
	Buyer     string `json:"buyer"`
	GrantedAt int64  `json:"grantedAt"`
}

// KVLedger implements access.EntitlementOracle over a JetStream key-value bucket.
type KVLedger struct {
	kv     nats.KeyValue
	bucket string
	now    func() time.Time
}

// New creates the bucket if needed and binds to it.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*KVLedger, error) {
	kv, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Voice model purchase entitlements.",
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &KVLedger{kv: kv, bucket: bucketName, now: time.Now}, nil
}

// Grant records that buyer may read the object at uri.
func (l *KVLedger) Grant(_ context.Context, uri storageuri.URI, buyer string) (*Entitlement, error) {
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer account is required", core.ErrValidation)
	}

	record := &Entitlement{URI: uri.String(), Buyer: buyer, GrantedAt: l.now().UnixMilli()}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	_, err = l.kv.Put(entitlementKey(uri, buyer), data)
	if err != nil {
		return nil, fmt.Errorf("failed to record entitlement for %s in '%s': %w", uri, l.bucket, err)
	}

	return record, nil
}

// Revoke removes a recorded entitlement. Revoking a missing one is not an error.
func (l *KVLedger) Revoke(_ context.Context, uri storageuri.URI, buyer string) error {
	err := l.kv.Delete(entitlementKey(uri, buyer))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to revoke entitlement for %s: %w", uri, err)
	}

	return nil
}

// Check reports whether an entitlement for account exists.
func (l *KVLedger) Check(_ context.Context, uri storageuri.URI, account string) (bool, error) {
	if account == "" {
		return false, nil
	}

	entry, err := l.kv.Get(entitlementKey(uri, account))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read entitlement for %s: %w", uri, err)
	}

	var record Entitlement

	err = json.Unmarshal(entry.Value(), &record)
	if err != nil {
		return false, fmt.Errorf("corrupt entitlement record for %s: %w", uri, err)
	}

	return strings.EqualFold(record.Buyer, account), nil
}

// entitlementKey builds "<account>.<namespace>.<objectId>.<buyer>" with accounts
// lower-cased. Characters that key-value keys do not accept, and the "." and "_"
// characters, are escaped as _XX.
func entitlementKey(uri storageuri.URI, buyer string) string {
	return strings.Join([]string{
		escapeKeyToken(strings.ToLower(uri.Account)),
		escapeKeyToken(uri.Namespace),
		escapeKeyToken(uri.ObjectID),
		escapeKeyToken(strings.ToLower(buyer)),
	}, ".")
}

func escapeKeyToken(token string) string {
	var builder strings.Builder

	for i := range len(token) {
		c := token[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			builder.WriteByte(c)
		default:
			fmt.Fprintf(&builder, "_%02X", c)
		}
	}

	return builder.String()
}
