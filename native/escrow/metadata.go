package escrow

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxMetadataEntries caps the number of key/value pairs attached to a split.
	MaxMetadataEntries = 16
	// MaxMetadataKeyLength caps a metadata key in bytes.
	MaxMetadataKeyLength = 64
	// MaxMetadataValueLength caps a metadata value in bytes.
	MaxMetadataValueLength = 256
)

// ValidateMetadata checks the bounds of a metadata map. A nil map is valid.
func ValidateMetadata(md map[string]string) error {
	if len(md) > MaxMetadataEntries {
		return fmt.Errorf("%w: %d entries > %d", ErrInvalidMetadata, len(md), MaxMetadataEntries)
	}
	for key, value := range md {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		if len(key) > MaxMetadataKeyLength {
			return fmt.Errorf("%w: key %q too long", ErrInvalidMetadata, key)
		}
		if len(value) > MaxMetadataValueLength {
			return fmt.Errorf("%w: value for %q too long", ErrInvalidMetadata, key)
		}
	}
	return nil
}

// MetadataKeys returns the keys of md in sorted order.
func MetadataKeys(md map[string]string) []string {
	keys := make([]string, 0, len(md))
	for key := range md {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// mergeMetadata applies updates on top of a copy of current. An empty value
// removes the key.
func mergeMetadata(current, updates map[string]string) map[string]string {
	merged := cloneMetadata(current)
	if merged == nil {
		merged = make(map[string]string, len(updates))
	}
	for key, value := range updates {
		if value == "" {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func cloneMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// UpdateMetadata merges updates into the metadata of an active split. Only the
// creator may call it.
func (e *Engine) UpdateMetadata(inv Invocation, id uint64, updates map[string]string) (*Split, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no updates", ErrInvalidMetadata)
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := requireAuth(inv, split.Creator); err != nil {
		return nil, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := metadataAllowed(split.Status); err != nil {
		return nil, err
	}
	for key := range updates {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
	}
	merged := mergeMetadata(split.Metadata, updates)
	if err := ValidateMetadata(merged); err != nil {
		return nil, err
	}
	split.Metadata = merged
	if err := e.storeSplit(split); err != nil {
		return nil, err
	}
	e.emit(NewMetadataUpdatedEvent(split, MetadataKeys(updates), inv.Timestamp))
	return split.Clone(), nil
}
