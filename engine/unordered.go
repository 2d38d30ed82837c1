package engine

import (
	"fmt"

	"github.com/hupe1980/pmemkv/internal/record"
)

// Get returns the value of key in the unordered key space.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	tok, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer e.end(tok)

	hint := e.table.Hint(key)
	entry, ok := e.table.SearchForRead(hint, key, record.MaskString)
	if !ok || entry.Tag == record.TypeStringDelete {
		e.metrics.gets.Inc()
		return nil, ErrNotFound
	}

	v := record.Value(e.stringRecordAt(entry.Payload))
	out := make([]byte, len(v))
	copy(out, v)
	e.metrics.gets.Inc()
	return out, nil
}

// Put stores value under key in the unordered key space.
func (e *Engine) Put(key, value []byte) error {
	if err := validateKV(key, value); err != nil {
		return err
	}
	tok, err := e.begin()
	if err != nil {
		return err
	}
	defer e.end(tok)

	return e.writeString(tok, key, value, record.TypeStringPut)
}

// Delete removes key from the unordered key space. Deleting an absent key
// is a no-op.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	tok, err := e.begin()
	if err != nil {
		return err
	}
	defer e.end(tok)

	hint := e.table.Hint(key)
	hint.Spin.Lock()
	defer hint.Spin.Unlock()

	slot, entry, found, err := e.table.SearchForWrite(hint, key, record.MaskString)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}
	if !found || entry.Tag == record.TypeStringDelete {
		e.metrics.deletes.Inc()
		return nil
	}

	ts := e.seq.Add(1)
	size := record.Size(record.TypeStringDelete, len(key), 0)
	se, err := e.pm.Allocate(tok.tid, size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPmemOverflow, err)
	}
	b := e.pm.Bytes(se.Offset, size)
	record.Encode(b, record.TypeStringDelete, ts, 0, 0, key, nil)
	if err := e.pm.Persist(se.Offset, size); err != nil {
		return err
	}
	e.table.Insert(hint, slot, record.TypeStringDelete, se.Offset)
	e.metrics.deletes.Inc()
	return nil
}

// writeString persists one unordered record and swings the hash entry to
// it under the shard lock.
func (e *Engine) writeString(tok *token, key, value []byte, tag record.Type) error {
	hint := e.table.Hint(key)
	hint.Spin.Lock()
	defer hint.Spin.Unlock()

	slot, _, _, err := e.table.SearchForWrite(hint, key, record.MaskString)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMemoryOverflow, err)
	}

	ts := e.seq.Add(1)
	size := record.Size(tag, len(key), len(value))
	se, err := e.pm.Allocate(tok.tid, size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPmemOverflow, err)
	}
	b := e.pm.Bytes(se.Offset, size)
	record.Encode(b, tag, ts, 0, 0, key, value)
	if err := e.pm.Persist(se.Offset, size); err != nil {
		return err
	}

	e.table.Insert(hint, slot, tag, se.Offset)
	e.metrics.puts.Inc()
	return nil
}
