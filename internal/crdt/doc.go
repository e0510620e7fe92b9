package crdt

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// ID identifies a single operation: the logical client that produced it and
// that client's monotonically increasing clock, starting at 1.
type ID struct {
	Client uint64
	Clock  uint64
}

// OpKind discriminates replicated operations.
type OpKind byte

const (
	OpTextInsert OpKind = 1
	OpTextDelete OpKind = 2
	OpFileCreate OpKind = 3
	OpFileDelete OpKind = 4
)

// Op is an immutable replicated operation. Ops commute and are idempotent:
// applying the same op twice, or applying two ops in either order, yields
// the same document state.
type Op struct {
	ID      ID
	Kind    OpKind
	Lamport uint64
	Path    string   // TextInsert, FileCreate, FileDelete
	Pos     []uint32 // TextInsert position identifier
	Value   rune     // TextInsert
	Target  ID       // TextDelete
}

// ChangeKind classifies how a path was affected by an applied update.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

// FileChange reports that an applied update touched one path.
type FileChange struct {
	Path string
	Kind ChangeKind
}

type item struct {
	id      ID
	pos     []uint32
	value   rune
	deleted bool
}

type fileEvent struct {
	lamport uint64
	client  uint64
	deleted bool
	valid   bool
}

type pathState struct {
	items     []*item
	byID      map[ID]*item
	lastEvent fileEvent
}

// Doc is one vault's replicated document: a map of file paths to text
// sequences. Doc is not internally synchronized; callers serialize access
// per vault.
type Doc struct {
	logs        map[uint64][]Op
	pending     map[uint64][]Op
	paths       map[string]*pathState
	maxLamport  uint64
	localClient uint64

	// reservedClocks tracks clocks handed out inside a local batch before
	// the batch is applied, so nextID never reissues one.
	reservedClocks map[uint64]uint64
}

// NewDoc constructs an empty document with a fresh local client identity
// for server-originated edits.
func NewDoc() *Doc {
	raw := uuid.New()
	client := binary.BigEndian.Uint64(raw[:8])
	if client == 0 {
		client = 1
	}
	return &Doc{
		logs:        map[uint64][]Op{},
		pending:     map[uint64][]Op{},
		paths:       map[string]*pathState{},
		localClient: client,
	}
}

// LocalClient returns the client id used for server-originated edits.
func (d *Doc) LocalClient() uint64 {
	return d.localClient
}

// Files returns the sorted visible paths.
func (d *Doc) Files() []string {
	out := []string{}
	for path, state := range d.paths {
		if state.visible() {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// HasFile reports whether path is currently visible.
func (d *Doc) HasFile(path string) bool {
	state, ok := d.paths[path]
	return ok && state.visible()
}

// Text folds the live items of a path in position order. A missing or
// deleted path yields the empty string.
func (d *Doc) Text(path string) string {
	state, ok := d.paths[path]
	if !ok || !state.visible() {
		return ""
	}
	runes := make([]rune, 0, len(state.items))
	for _, it := range state.items {
		if !it.deleted {
			runes = append(runes, it.value)
		}
	}
	return string(runes)
}

func (p *pathState) visible() bool {
	return p.lastEvent.valid && !p.lastEvent.deleted
}

// StateVector returns the highest contiguous clock seen per client.
func (d *Doc) StateVector() map[uint64]uint64 {
	vec := make(map[uint64]uint64, len(d.logs))
	for client, log := range d.logs {
		if len(log) > 0 {
			vec[client] = uint64(len(log))
		}
	}
	return vec
}

// EncodeStateVector serializes the state vector sorted by client id.
func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeState serializes every known op, integrated and pending, sorted by
// (client, clock). Two converged replicas encode byte-equal state.
func (d *Doc) EncodeState() []byte {
	return encodeOps(d.allOps())
}

// DiffSince returns an update carrying every known op above the given
// state vector, sorted by (client, clock).
func (d *Doc) DiffSince(vec map[uint64]uint64) []byte {
	diff := []Op{}
	for _, op := range d.allOps() {
		if op.ID.Clock > vec[op.ID.Client] {
			diff = append(diff, op)
		}
	}
	return encodeOps(diff)
}

// ApplyUpdate decodes and integrates an update, returning the per-path
// changes it caused. Unknown future ops whose causal predecessors are
// missing are buffered until they become integrable.
func (d *Doc) ApplyUpdate(update []byte) ([]FileChange, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, err
	}
	return d.applyOps(ops), nil
}

// InsertText inserts text at the given visible rune index of path,
// clamping the index into range. It returns the encoded update for
// broadcast and the resulting changes.
func (d *Doc) InsertText(client uint64, path string, index int, text string) ([]byte, []FileChange) {
	if text == "" {
		return nil, nil
	}
	state := d.paths[path]
	leftPos, rightPos := d.neighborPositions(state, index)

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		pos := positionBetween(leftPos, rightPos)
		ops = append(ops, Op{
			ID:      d.nextID(client),
			Kind:    OpTextInsert,
			Lamport: d.nextLamport(),
			Path:    path,
			Pos:     pos,
			Value:   r,
		})
		// Chain subsequent characters after the one just placed.
		leftPos = pos
		d.reserve(ops[len(ops)-1])
	}
	changes := d.applyOps(ops)
	return encodeOps(ops), changes
}

// DeleteTextRange tombstones length visible runes starting at index.
func (d *Doc) DeleteTextRange(client uint64, path string, index, length int) ([]byte, []FileChange) {
	state, ok := d.paths[path]
	if !ok || length <= 0 {
		return nil, nil
	}
	targets := []ID{}
	visible := -1
	for _, it := range state.items {
		if it.deleted {
			continue
		}
		visible++
		if visible < index {
			continue
		}
		if visible >= index+length {
			break
		}
		targets = append(targets, it.id)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{
			ID:      d.nextID(client),
			Kind:    OpTextDelete,
			Lamport: d.nextLamport(),
			Target:  target,
		}
		d.reserve(op)
		ops = append(ops, op)
	}
	changes := d.applyOps(ops)
	return encodeOps(ops), changes
}

// CreateFile makes path visible, possibly as an empty file.
func (d *Doc) CreateFile(client uint64, path string) ([]byte, []FileChange) {
	op := Op{
		ID:      d.nextID(client),
		Kind:    OpFileCreate,
		Lamport: d.nextLamport(),
		Path:    path,
	}
	d.reserve(op)
	changes := d.applyOps([]Op{op})
	return encodeOps([]Op{op}), changes
}

// DeleteFile hides path.
func (d *Doc) DeleteFile(client uint64, path string) ([]byte, []FileChange) {
	op := Op{
		ID:      d.nextID(client),
		Kind:    OpFileDelete,
		Lamport: d.nextLamport(),
		Path:    path,
	}
	d.reserve(op)
	changes := d.applyOps([]Op{op})
	return encodeOps([]Op{op}), changes
}

// SetText replaces the content of path with text, producing the minimal
// delete+insert around the common prefix and suffix. Used by server-side
// writes; editor clients produce their own incremental updates.
func (d *Doc) SetText(client uint64, path, text string) ([]byte, []FileChange) {
	current := []rune(d.Text(path))
	next := []rune(text)

	prefix := 0
	for prefix < len(current) && prefix < len(next) && current[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(next)-prefix &&
		current[len(current)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	combined := []byte{}
	allChanges := []FileChange{}
	if !d.HasFile(path) {
		update, changes := d.CreateFile(client, path)
		combined = mergeUpdates(combined, update)
		allChanges = mergeChanges(allChanges, changes)
	}
	if removed := len(current) - prefix - suffix; removed > 0 {
		update, changes := d.DeleteTextRange(client, path, prefix, removed)
		combined = mergeUpdates(combined, update)
		allChanges = mergeChanges(allChanges, changes)
	}
	if inserted := string(next[prefix : len(next)-suffix]); inserted != "" {
		update, changes := d.InsertText(client, path, prefix, inserted)
		combined = mergeUpdates(combined, update)
		allChanges = mergeChanges(allChanges, changes)
	}
	return combined, allChanges
}

// nextID allocates the next clock for client, accounting for ops already
// produced in the current batch via reserve.
func (d *Doc) nextID(client uint64) ID {
	clock := uint64(len(d.logs[client]))
	if queue := d.pending[client]; len(queue) > 0 {
		last := queue[len(queue)-1].ID.Clock
		if last > clock {
			clock = last
		}
	}
	if extra, ok := d.reservedClocks[client]; ok && extra > clock {
		clock = extra
	}
	return ID{Client: client, Clock: clock + 1}
}

func (d *Doc) nextLamport() uint64 {
	d.maxLamport++
	return d.maxLamport
}

func (d *Doc) reserve(op Op) {
	if d.reservedClocks == nil {
		d.reservedClocks = map[uint64]uint64{}
	}
	if op.ID.Clock > d.reservedClocks[op.ID.Client] {
		d.reservedClocks[op.ID.Client] = op.ID.Clock
	}
	if op.Lamport > d.maxLamport {
		d.maxLamport = op.Lamport
	}
}

// neighborPositions returns the position identifiers bracketing a visible
// insertion index: the item materializing the preceding visible rune and
// its immediate successor in the full (tombstoned) sequence.
func (d *Doc) neighborPositions(state *pathState, index int) ([]uint32, []uint32) {
	if state == nil || len(state.items) == 0 {
		return nil, nil
	}
	leftFull := -1
	if index > 0 {
		visible := 0
		for i, it := range state.items {
			if it.deleted {
				continue
			}
			visible++
			if visible == index {
				leftFull = i
				break
			}
		}
		if leftFull == -1 {
			// Index beyond the end: append after the last item.
			leftFull = len(state.items) - 1
		}
	}
	var left, right []uint32
	if leftFull >= 0 {
		left = state.items[leftFull].pos
	}
	if leftFull+1 < len(state.items) {
		right = state.items[leftFull+1].pos
	}
	return left, right
}

// applyOps integrates every op whose predecessors are present, buffering
// the rest, and reports the resulting per-path changes.
func (d *Doc) applyOps(ops []Op) []FileChange {
	for _, op := range ops {
		if op.ID.Client == 0 || op.ID.Clock == 0 {
			continue
		}
		if d.isIntegrated(op.ID) {
			continue
		}
		d.enqueuePending(op)
	}

	before := map[string]snapshotEntry{}
	affected := map[string]bool{}

	progress := true
	for progress {
		progress = false
		for client, queue := range d.pending {
			for len(queue) > 0 {
				op := queue[0]
				if op.ID.Clock != uint64(len(d.logs[client]))+1 || !d.depsSatisfied(op) {
					break
				}
				queue = queue[1:]
				d.pending[client] = queue
				d.integrate(op, before, affected)
				progress = true
			}
			if len(queue) == 0 {
				delete(d.pending, client)
			}
		}
	}
	d.reservedClocks = nil

	return d.collectChanges(before, affected)
}

type snapshotEntry struct {
	visible bool
}

func (d *Doc) collectChanges(before map[string]snapshotEntry, affected map[string]bool) []FileChange {
	paths := make([]string, 0, len(affected))
	for path := range affected {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	changes := []FileChange{}
	for _, path := range paths {
		state := d.paths[path]
		nowVisible := state != nil && state.visible()
		wasVisible := before[path].visible
		switch {
		case !wasVisible && nowVisible:
			changes = append(changes, FileChange{Path: path, Kind: ChangeCreated})
		case wasVisible && !nowVisible:
			changes = append(changes, FileChange{Path: path, Kind: ChangeDeleted})
		case wasVisible && nowVisible:
			changes = append(changes, FileChange{Path: path, Kind: ChangeUpdated})
		}
	}
	return changes
}

func (d *Doc) isIntegrated(id ID) bool {
	return id.Clock <= uint64(len(d.logs[id.Client]))
}

func (d *Doc) depsSatisfied(op Op) bool {
	if op.Kind == OpTextDelete {
		return d.isIntegrated(op.Target)
	}
	return true
}

func (d *Doc) enqueuePending(op Op) {
	queue := d.pending[op.ID.Client]
	i := sort.Search(len(queue), func(i int) bool {
		return queue[i].ID.Clock >= op.ID.Clock
	})
	if i < len(queue) && queue[i].ID.Clock == op.ID.Clock {
		return
	}
	queue = append(queue, Op{})
	copy(queue[i+1:], queue[i:])
	queue[i] = op
	d.pending[op.ID.Client] = queue
}

func (d *Doc) integrate(op Op, before map[string]snapshotEntry, affected map[string]bool) {
	d.logs[op.ID.Client] = append(d.logs[op.ID.Client], op)
	if op.Lamport > d.maxLamport {
		d.maxLamport = op.Lamport
	}

	path := op.Path
	if op.Kind == OpTextDelete {
		path = d.pathOfItem(op.Target)
	}
	if path == "" {
		return
	}
	state, ok := d.paths[path]
	if !ok {
		state = &pathState{byID: map[ID]*item{}}
		d.paths[path] = state
	}
	if _, seen := before[path]; !seen {
		before[path] = snapshotEntry{visible: state.visible()}
	}
	affected[path] = true

	switch op.Kind {
	case OpTextInsert:
		it := &item{id: op.ID, pos: op.Pos, value: op.Value}
		state.insertItem(it)
		state.observeEvent(op, false)
	case OpTextDelete:
		if target, ok := state.byID[op.Target]; ok {
			target.deleted = true
		}
	case OpFileCreate:
		state.observeEvent(op, false)
	case OpFileDelete:
		state.observeEvent(op, true)
	}
}

func (d *Doc) pathOfItem(target ID) string {
	for path, state := range d.paths {
		if _, ok := state.byID[target]; ok {
			return path
		}
	}
	return ""
}

func (p *pathState) observeEvent(op Op, deleted bool) {
	incoming := fileEvent{lamport: op.Lamport, client: op.ID.Client, deleted: deleted, valid: true}
	if !p.lastEvent.valid || eventNewer(incoming, p.lastEvent) {
		p.lastEvent = incoming
	}
}

func eventNewer(a, b fileEvent) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.client > b.client
}

func (p *pathState) insertItem(it *item) {
	if _, dup := p.byID[it.id]; dup {
		return
	}
	i := sort.Search(len(p.items), func(i int) bool {
		return !itemLess(p.items[i], it)
	})
	p.items = append(p.items, nil)
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = it
	p.byID[it.id] = it
}

// itemLess orders items by position identifier, breaking full ties by the
// originating client and clock so concurrent inserts converge everywhere.
func itemLess(a, b *item) bool {
	n := len(a.pos)
	if len(b.pos) < n {
		n = len(b.pos)
	}
	for i := 0; i < n; i++ {
		if a.pos[i] != b.pos[i] {
			return a.pos[i] < b.pos[i]
		}
	}
	if len(a.pos) != len(b.pos) {
		return len(a.pos) < len(b.pos)
	}
	if a.id.Client != b.id.Client {
		return a.id.Client < b.id.Client
	}
	return a.id.Clock < b.id.Clock
}

// positionBetween generates a dense position identifier strictly between
// left and right, treating nil bounds as the sequence edges.
func positionBetween(left, right []uint32) []uint32 {
	out := []uint32{}
	for i := 0; ; i++ {
		lo := uint32(0)
		if i < len(left) {
			lo = left[i]
		}
		hi := uint32(math.MaxUint32)
		if i < len(right) {
			hi = right[i]
		}
		if hi-lo > 1 {
			return append(out, lo+(hi-lo)/2)
		}
		out = append(out, lo)
	}
}

func (d *Doc) allOps() []Op {
	clients := make([]uint64, 0, len(d.logs))
	for client := range d.logs {
		clients = append(clients, client)
	}
	for client := range d.pending {
		if _, ok := d.logs[client]; !ok {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	out := []Op{}
	for _, client := range clients {
		out = append(out, d.logs[client]...)
		out = append(out, d.pending[client]...)
	}
	return out
}

func mergeUpdates(a, b []byte) []byte {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	opsA, errA := decodeOps(a)
	opsB, errB := decodeOps(b)
	if errA != nil || errB != nil {
		return a
	}
	return encodeOps(append(opsA, opsB...))
}

func mergeChanges(a, b []FileChange) []FileChange {
	seen := map[string]int{}
	out := []FileChange{}
	for _, change := range append(a, b...) {
		if i, ok := seen[change.Path]; ok {
			out[i].Kind = combineKinds(out[i].Kind, change.Kind)
			continue
		}
		seen[change.Path] = len(out)
		out = append(out, change)
	}
	return out
}

func combineKinds(first, second ChangeKind) ChangeKind {
	if first == ChangeCreated && second != ChangeDeleted {
		return ChangeCreated
	}
	return second
}

// encodeOps serializes ops: a count followed by each op's fields.
func encodeOps(ops []Op) []byte {
	e := &encoder{}
	e.writeUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.writeByte(byte(op.Kind))
		e.writeUvarint(op.ID.Client)
		e.writeUvarint(op.ID.Clock)
		e.writeUvarint(op.Lamport)
		switch op.Kind {
		case OpTextInsert:
			e.writeString(op.Path)
			e.writePosition(op.Pos)
			e.writeUvarint(uint64(op.Value))
		case OpTextDelete:
			e.writeUvarint(op.Target.Client)
			e.writeUvarint(op.Target.Clock)
		case OpFileCreate, OpFileDelete:
			e.writeString(op.Path)
		}
	}
	return e.bytes()
}

func decodeOps(update []byte) ([]Op, error) {
	if len(update) == 0 {
		return nil, nil
	}
	d := newDecoder(update)
	count, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(d.remaining())+1 {
		return nil, ErrCorruptPayload
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := d.readByte()
		if err != nil {
			return nil, err
		}
		op := Op{Kind: OpKind(kind)}
		if op.ID.Client, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if op.ID.Clock, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if op.Lamport, err = d.readUvarint(); err != nil {
			return nil, err
		}
		switch op.Kind {
		case OpTextInsert:
			if op.Path, err = d.readString(); err != nil {
				return nil, err
			}
			if op.Pos, err = d.readPosition(); err != nil {
				return nil, err
			}
			value, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			if value > math.MaxInt32 {
				return nil, ErrCorruptPayload
			}
			op.Value = rune(value)
		case OpTextDelete:
			if op.Target.Client, err = d.readUvarint(); err != nil {
				return nil, err
			}
			if op.Target.Clock, err = d.readUvarint(); err != nil {
				return nil, err
			}
		case OpFileCreate, OpFileDelete:
			if op.Path, err = d.readString(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrCorruptPayload, kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeStateVector serializes a state vector sorted by client id.
func EncodeStateVector(vec map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(vec))
	for client := range vec {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	e := &encoder{}
	e.writeUvarint(uint64(len(clients)))
	for _, client := range clients {
		e.writeUvarint(client)
		e.writeUvarint(vec[client])
	}
	return e.bytes()
}

// DecodeStateVector parses a serialized state vector.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	if len(data) == 0 {
		return map[uint64]uint64{}, nil
	}
	d := newDecoder(data)
	count, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(d.remaining())+1 {
		return nil, ErrCorruptPayload
	}
	vec := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		client, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		vec[client] = clock
	}
	return vec, nil
}
