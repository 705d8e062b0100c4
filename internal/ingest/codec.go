package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"axion-alerts/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	items []json.RawMessage
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{items: make([]json.RawMessage, 0, 16)}
	},
}

// decodeSnapshotPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one snapshot object or an array of them.
// Returns: validated envelopes.
func decodeSnapshotPayload(raw []byte) ([]domain.SnapshotEnvelope, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	return decodeSnapshotPayloadInto(raw, scratch)
}

func decodeSnapshotPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.SnapshotEnvelope, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] != '[' {
		envelope, err := domain.DecodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		return []domain.SnapshotEnvelope{envelope}, nil
	}

	items := scratch.items[:0]
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode snapshot batch: %w", err)
	}
	scratch.items = items
	if len(items) == 0 {
		return nil, errors.New("snapshot batch must contain at least one snapshot")
	}
	envelopes := make([]domain.SnapshotEnvelope, 0, len(items))
	for i, item := range items {
		envelope, err := domain.DecodeSnapshot(item)
		if err != nil {
			return nil, fmt.Errorf("snapshot[%d]: %w", i, err)
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.items {
		scratch.items[i] = nil
	}
	if cap(scratch.items) > maxPooledBatchCapacity {
		scratch.items = make([]json.RawMessage, 0, 16)
	} else {
		scratch.items = scratch.items[:0]
	}
	decodeScratchPool.Put(scratch)
}

// observeAll hands every envelope to sink in order.
// Params: sink and decoded envelopes.
// Returns: first sink error; earlier envelopes stay buffered.
func observeAll(sink SnapshotSink, envelopes []domain.SnapshotEnvelope) error {
	for _, envelope := range envelopes {
		if err := sink.Observe(envelope); err != nil {
			return err
		}
	}
	return nil
}
