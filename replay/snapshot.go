package replay

import (
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Save writes the buffered elements to path in msgpack format, so a collection
// run can be resumed without regenerating experience.
func (b *Buffer) Save(path string) error {
	b.mu.Lock()
	elements := make([]Element, len(b.elements))
	copy(elements, b.elements)
	b.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create replay snapshot at %q", path)
	}
	enc := msgpack.NewEncoder(f)
	if err := enc.Encode(elements); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode replay snapshot to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to write replay snapshot to %q", path)
}

// Load reads elements from a snapshot file and appends them to the buffer.
func (b *Buffer) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read replay snapshot from %q", path)
	}
	defer func() { _ = f.Close() }()

	var elements []Element
	dec := msgpack.NewDecoder(f)
	if err := dec.Decode(&elements); err != nil {
		return errors.Wrapf(err, "failed to decode replay snapshot from %q", path)
	}
	b.Push(elements)
	return nil
}
