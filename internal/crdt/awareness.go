package crdt

import "sort"

// Awareness holds the ephemeral per-connection presence state of one vault
// (cursor, selection, active file). Entries are keyed by the connection's
// client id and versioned with a per-entry clock; the entry with the higher
// clock wins. Awareness is never persisted. Not internally synchronized.
type Awareness struct {
	entries map[uint64]awarenessEntry
}

type awarenessEntry struct {
	clock uint64
	state []byte // JSON payload; nil marks a removed client
}

func NewAwareness() *Awareness {
	return &Awareness{entries: map[uint64]awarenessEntry{}}
}

// Clients returns the sorted ids of clients with live state.
func (a *Awareness) Clients() []uint64 {
	out := []uint64{}
	for client, entry := range a.entries {
		if entry.state != nil {
			out = append(out, client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the live JSON state of one client, or nil.
func (a *Awareness) State(client uint64) []byte {
	return a.entries[client].state
}

// Set records local state for a client and returns the delta to broadcast.
func (a *Awareness) Set(client uint64, state []byte) []byte {
	entry := a.entries[client]
	entry.clock++
	entry.state = append([]byte(nil), state...)
	a.entries[client] = entry
	return encodeAwareness(map[uint64]awarenessEntry{client: entry})
}

// Remove drops a client's state and returns the removal delta to broadcast.
func (a *Awareness) Remove(client uint64) []byte {
	entry := a.entries[client]
	entry.clock++
	entry.state = nil
	a.entries[client] = entry
	return encodeAwareness(map[uint64]awarenessEntry{client: entry})
}

// ApplyUpdate merges a remote delta and returns the client ids whose state
// changed. Stale entries (clock not above the known one) are ignored.
func (a *Awareness) ApplyUpdate(update []byte) ([]uint64, error) {
	incoming, err := decodeAwareness(update)
	if err != nil {
		return nil, err
	}
	changed := []uint64{}
	for client, entry := range incoming {
		known := a.entries[client]
		if entry.clock <= known.clock {
			continue
		}
		a.entries[client] = entry
		changed = append(changed, client)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

// Encode serializes the full awareness set, live and removed entries alike,
// so a joining client learns both states and clocks.
func (a *Awareness) Encode() []byte {
	return encodeAwareness(a.entries)
}

// Len returns the number of clients with live state.
func (a *Awareness) Len() int {
	n := 0
	for _, entry := range a.entries {
		if entry.state != nil {
			n++
		}
	}
	return n
}

func encodeAwareness(entries map[uint64]awarenessEntry) []byte {
	clients := make([]uint64, 0, len(entries))
	for client := range entries {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := &encoder{}
	e.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		entry := entries[client]
		e.writeUvarint(client)
		e.writeUvarint(entry.clock)
		if entry.state == nil {
			e.writeByte(0)
		} else {
			e.writeByte(1)
			e.writeBytes(entry.state)
		}
	}
	return e.bytes()
}

func decodeAwareness(update []byte) (map[uint64]awarenessEntry, error) {
	if len(update) == 0 {
		return map[uint64]awarenessEntry{}, nil
	}
	d := newDecoder(update)
	count, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(d.remaining())+1 {
		return nil, ErrCorruptPayload
	}
	entries := make(map[uint64]awarenessEntry, count)
	for i := uint64(0); i < count; i++ {
		client, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		live, err := d.readByte()
		if err != nil {
			return nil, err
		}
		entry := awarenessEntry{clock: clock}
		if live == 1 {
			state, err := d.readBytes()
			if err != nil {
				return nil, err
			}
			entry.state = state
		}
		entries[client] = entry
	}
	return entries, nil
}
