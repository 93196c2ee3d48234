package gps

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type fakeDevice struct {
	supported      bool
	watchSupported bool
	watchErr       error
	fix            func(ctx context.Context, call int) (Sample, error)

	mu          sync.Mutex
	calls       int
	lastOpts    PositionOptions
	onUpdate    func(Sample)
	onError     func(error)
	watchStarts int
	watchStops  int
}

func (d *fakeDevice) Supported() bool      { return d.supported }
func (d *fakeDevice) WatchSupported() bool { return d.watchSupported }

func (d *fakeDevice) CurrentPosition(ctx context.Context, opts PositionOptions) (Sample, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.lastOpts = opts
	d.mu.Unlock()
	return d.fix(ctx, n)
}

func (d *fakeDevice) WatchPosition(_ PositionOptions, onUpdate func(Sample), onError func(error)) (func(), error) {
	if d.watchErr != nil {
		return nil, d.watchErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchStarts++
	d.onUpdate = onUpdate
	d.onError = onError
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.watchStops++
	}, nil
}

func (d *fakeDevice) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDevice) emit(s Sample) {
	d.mu.Lock()
	fn := d.onUpdate
	d.mu.Unlock()
	fn(s)
}

func (d *fakeDevice) fail(err error) {
	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	fn(err)
}

func (d *fakeDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchStops
}

type fakeIP struct {
	calls  atomic.Int32
	sample Sample
	err    error
}

func (f *fakeIP) Resolve(ctx context.Context) (Sample, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Sample{}, f.err
	}
	return f.sample, nil
}

type fakeLocator struct {
	calls  atomic.Int32
	sample Sample
	err    error
	block  chan struct{}
}

func (f *fakeLocator) Resolve(ctx context.Context) (Sample, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		}
	}
	return f.sample, f.err
}

type fakeStore struct {
	mu        sync.Mutex
	inserted  []Record
	batches   [][]Record
	positions []VesselPosition
	history   map[string][]Record
	vessels   map[string]string
	insertErr error
	batchErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: make(map[string][]Record),
		vessels: make(map[string]string),
	}
}

func (s *fakeStore) InsertLocation(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *fakeStore) InsertLocations(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return s.batchErr
	}
	s.batches = append(s.batches, append([]Record(nil), recs...))
	return nil
}

func (s *fakeStore) UpdateVesselPosition(_ context.Context, pos VesselPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, pos)
	return nil
}

func (s *fakeStore) DefaultVesselID(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.vessels[userID]
	return id, ok, nil
}

func (s *fakeStore) InsertVesselLocation(_ context.Context, vesselID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[vesselID] = append(s.history[vesselID], rec)
	return nil
}

func (s *fakeStore) Inserted() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.inserted...)
}

func (s *fakeStore) Batches() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Record(nil), s.batches...)
}

type fakeZones struct {
	zone string
	err  error
}

func (z fakeZones) Classify(context.Context, float64, float64) (string, error) {
	return z.zone, z.err
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(bool)
}

func newFakeNetwork(online bool) *fakeNetwork {
	return &fakeNetwork{online: online, subs: make(map[int]func(bool))}
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) Subscribe(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *fakeNetwork) Set(online bool) {
	n.mu.Lock()
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

func (n *fakeNetwork) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

type fakePublisher struct {
	mu      sync.Mutex
	records []Record
	vessels []string
}

func (p *fakePublisher) PublishRecord(rec Record, vesselID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	p.vessels = append(p.vessels, vesselID)
	return nil
}

type fakeQuerier struct {
	state PermissionState
	err   error
}

func (q fakeQuerier) QueryPermission(context.Context) (PermissionState, error) {
	return q.state, q.err
}

var errBackend = errors.New("backend unavailable")
