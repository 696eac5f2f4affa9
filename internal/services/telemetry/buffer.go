package telemetry

import (
	"sync"

	"github.com/cropsense/cropsense/internal/model"
)

// ReadingBuffer stages readings until the next flush. Entries are unique per
// (sensor, device) and keep the position of their first insertion.
type ReadingBuffer struct {
	mu      sync.Mutex
	entries []model.Reading
	index   map[model.ReadingKey]int
}

func NewReadingBuffer() *ReadingBuffer {
	return &ReadingBuffer{index: make(map[model.ReadingKey]int)}
}

func canonical(r model.Reading) model.Reading {
	r.DeviceID = model.NormalizeID(string(r.DeviceID))
	r.SensorID = model.NormalizeID(string(r.SensorID))
	return r
}

// Upsert replaces entries whose key is already buffered, in place, and
// appends the rest in batch order.
func (b *ReadingBuffer) Upsert(batch []model.Reading) (inserted, replaced int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range batch {
		r = canonical(r)
		k := r.Key()
		if i, ok := b.index[k]; ok {
			b.entries[i] = r
			replaced++
			continue
		}
		b.index[k] = len(b.entries)
		b.entries = append(b.entries, r)
		inserted++
	}
	return inserted, replaced
}

// SnapshotAndClear hands the whole buffer to the caller and leaves an empty
// one behind. Upserts after the swap land in the new buffer.
func (b *ReadingBuffer) SnapshotAndClear() []model.Reading {
	b.mu.Lock()
	out := b.entries
	b.entries = nil
	b.index = make(map[model.ReadingKey]int, len(out))
	b.mu.Unlock()
	return out
}

// Requeue puts back readings from a failed flush. A key that was buffered
// again in the meantime keeps the newer reading.
func (b *ReadingBuffer) Requeue(readings []model.Reading) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, r := range readings {
		r = canonical(r)
		k := r.Key()
		if _, ok := b.index[k]; ok {
			continue
		}
		b.index[k] = len(b.entries)
		b.entries = append(b.entries, r)
		n++
	}
	return n
}

// LatestByType returns, per sensor type, the most recently inserted reading
// of deviceID. Types without a reading are absent from the map.
func (b *ReadingBuffer) LatestByType(deviceID model.ID) map[model.SensorType]model.Reading {
	deviceID = model.NormalizeID(string(deviceID))
	out := make(map[model.SensorType]model.Reading, len(model.SensorTypes))

	b.mu.Lock()
	defer b.mu.Unlock()
	// later index wins
	for _, r := range b.entries {
		if r.DeviceID == deviceID {
			out[r.Type] = r
		}
	}
	return out
}

// Snapshot returns a copy of the staged readings in buffer order.
func (b *ReadingBuffer) Snapshot() []model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Reading, len(b.entries))
	copy(out, b.entries)
	return out
}

// ForDevice returns a copy of the staged readings of one device.
func (b *ReadingBuffer) ForDevice(deviceID model.ID) []model.Reading {
	deviceID = model.NormalizeID(string(deviceID))
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Reading, 0)
	for _, r := range b.entries {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

func (b *ReadingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
