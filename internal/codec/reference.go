package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
)

// Item is a single insertion in the reference CRDT. Items are identified by
// (Client, Clock); a state is the set of all items it has seen.
type Item struct {
	Client  uint64
	Clock   uint64
	Content []byte
}

type itemKey struct {
	client uint64
	clock  uint64
}

// Reference is the in-process op-set codec. It is the codec used when the
// bridge is disabled and the implementation served by the codec subcommand.
//
// Merge is set union, so it is associative, commutative and idempotent.
// State vectors list, per client, the clock ranges already present, which
// makes Diff exact: a replica that holds everything receives an empty diff.
type Reference struct{}

// NewReference constructs the in-process codec.
func NewReference() *Reference {
	return &Reference{}
}

// Merge returns the union of state and update.
func (r *Reference) Merge(ctx context.Context, state, update []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := DecodeUpdate(state)
	if err != nil {
		return nil, err
	}
	incoming, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return EncodeUpdate(append(base, incoming...)...), nil
}

// StateVector returns the per-client clock ranges contained in state.
func (r *Reference) StateVector(ctx context.Context, state []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := DecodeUpdate(state)
	if err != nil {
		return nil, err
	}
	return encodeVector(vectorOf(items)), nil
}

// Diff returns the items of state not covered by vector, or nil when the
// replica described by vector is already up to date.
func (r *Reference) Diff(ctx context.Context, state, vector []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := DecodeUpdate(state)
	if err != nil {
		return nil, err
	}
	seen, err := decodeVector(vector)
	if err != nil {
		return nil, err
	}
	missing := make([]Item, 0, len(items))
	for _, item := range items {
		if !seen.covers(item.Client, item.Clock) {
			missing = append(missing, item)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return EncodeUpdate(missing...), nil
}

// EncodeUpdate serializes items as a canonical update: sorted by
// (client, clock) with duplicates removed.
func EncodeUpdate(items ...Item) []byte {
	unique := make(map[itemKey]Item, len(items))
	for _, item := range items {
		key := itemKey{client: item.Client, clock: item.Clock}
		existing, ok := unique[key]
		if ok && bytes.Compare(existing.Content, item.Content) <= 0 {
			continue
		}
		unique[key] = item
	}
	sorted := make([]Item, 0, len(unique))
	for _, item := range unique {
		sorted = append(sorted, item)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Client != sorted[j].Client {
			return sorted[i].Client < sorted[j].Client
		}
		return sorted[i].Clock < sorted[j].Clock
	})

	buffer := binary.AppendUvarint(nil, uint64(len(sorted)))
	for _, item := range sorted {
		buffer = binary.AppendUvarint(buffer, item.Client)
		buffer = binary.AppendUvarint(buffer, item.Clock)
		buffer = binary.AppendUvarint(buffer, uint64(len(item.Content)))
		buffer = append(buffer, item.Content...)
	}
	return buffer
}

// DecodeUpdate parses an update or state. An empty payload is the empty document.
func DecodeUpdate(payload []byte) ([]Item, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	reader := byteReader{data: payload}
	count, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: item count %d exceeds payload", ErrMalformed, count)
	}
	items := make([]Item, 0, count)
	for index := uint64(0); index < count; index++ {
		client, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		content, err := reader.chunk()
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Client: client, Clock: clock, Content: content})
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, reader.remaining())
	}
	return items, nil
}

type clockRange struct {
	start  uint64
	length uint64
}

type vector map[uint64][]clockRange

func (v vector) covers(client, clock uint64) bool {
	for _, span := range v[client] {
		if clock >= span.start && clock-span.start < span.length {
			return true
		}
	}
	return false
}

func vectorOf(items []Item) vector {
	clocks := make(map[uint64][]uint64)
	for _, item := range items {
		clocks[item.Client] = append(clocks[item.Client], item.Clock)
	}
	result := make(vector, len(clocks))
	for client, values := range clocks {
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		var spans []clockRange
		for _, clock := range values {
			last := len(spans) - 1
			if last >= 0 {
				// values are sorted, so clock never precedes the open span.
				offset := clock - spans[last].start
				if offset == spans[last].length {
					spans[last].length++
					continue
				}
				if offset < spans[last].length {
					continue
				}
			}
			spans = append(spans, clockRange{start: clock, length: 1})
		}
		result[client] = spans
	}
	return result
}

func encodeVector(v vector) []byte {
	clients := make([]uint64, 0, len(v))
	for client := range v {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buffer := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, client := range clients {
		spans := v[client]
		buffer = binary.AppendUvarint(buffer, client)
		buffer = binary.AppendUvarint(buffer, uint64(len(spans)))
		for _, span := range spans {
			buffer = binary.AppendUvarint(buffer, span.start)
			buffer = binary.AppendUvarint(buffer, span.length)
		}
	}
	return buffer
}

func decodeVector(payload []byte) (vector, error) {
	result := make(vector)
	if len(payload) == 0 {
		return result, nil
	}
	reader := byteReader{data: payload}
	clients, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	for index := uint64(0); index < clients; index++ {
		client, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		count, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		if count > uint64(reader.remaining()) {
			return nil, fmt.Errorf("%w: range count %d exceeds vector", ErrMalformed, count)
		}
		spans := make([]clockRange, 0, count)
		for spanIndex := uint64(0); spanIndex < count; spanIndex++ {
			start, err := reader.uvarint()
			if err != nil {
				return nil, err
			}
			length, err := reader.uvarint()
			if err != nil {
				return nil, err
			}
			spans = append(spans, clockRange{start: start, length: length})
		}
		result[client] = spans
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing vector bytes", ErrMalformed, reader.remaining())
	}
	return result, nil
}

type byteReader struct {
	data   []byte
	offset int
}

func (r *byteReader) remaining() int {
	return len(r.data) - r.offset
}

func (r *byteReader) uvarint() (uint64, error) {
	value, width := binary.Uvarint(r.data[r.offset:])
	if width <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformed, r.offset)
	}
	r.offset += width
	return value, nil
}

func (r *byteReader) chunk() ([]byte, error) {
	length, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: content length %d exceeds payload", ErrMalformed, length)
	}
	end := r.offset + int(length)
	content := append([]byte(nil), r.data[r.offset:end]...)
	r.offset = end
	return content, nil
}
