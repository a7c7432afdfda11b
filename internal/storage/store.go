package storage

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Record is a single stored entry. LastUpdate is captured from the store's
// clock at insert time; Expire is optional.
type Record struct {
	Value      string
	LastUpdate time.Time
	Expire     time.Duration
	HasExpire  bool
}

// Expired reports whether the record's lifetime has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.HasExpire && now.Sub(r.LastUpdate) > r.Expire
}

type opType int

const (
	opSet opType = iota
	opGet
	opHas
)

type request struct {
	op        opType
	key       string
	value     string
	expire    time.Duration
	hasExpire bool
	response  chan result
}

type result struct {
	value  string
	exists bool
}

// Store maps keys to records. All access is serialized through a single
// goroutine owning the map; callers submit requests over a channel and wait
// for the reply. Expiry is strictly lazy: an expired record is removed by the
// first Get that observes it.
type Store struct {
	data     map[string]*Record
	requests chan *request
	clock    clock.Clock
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewStore creates a store reading time from clk.
func NewStore(clk clock.Clock) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		data:     make(map[string]*Record),
		requests: make(chan *request, 64),
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case req := <-s.requests:
			s.execute(req)
		}
	}
}

// drain answers requests already queued when Close raced with a submitter.
func (s *Store) drain() {
	for {
		select {
		case req := <-s.requests:
			s.execute(req)
		default:
			return
		}
	}
}

func (s *Store) execute(req *request) {
	switch req.op {
	case opSet:
		s.data[req.key] = &Record{
			Value:      req.value,
			LastUpdate: s.clock.Now(),
			Expire:     req.expire,
			HasExpire:  req.hasExpire,
		}
		req.response <- result{}

	case opGet:
		record, ok := s.data[req.key]
		if !ok {
			req.response <- result{}
			return
		}
		if record.Expired(s.clock.Now()) {
			delete(s.data, req.key)
			req.response <- result{}
			return
		}
		req.response <- result{value: record.Value, exists: true}

	case opHas:
		_, ok := s.data[req.key]
		req.response <- result{exists: ok}
	}
}

func (s *Store) submit(req *request) result {
	req.response = make(chan result, 1)
	s.requests <- req
	return <-req.response
}

// Set unconditionally overwrites key with value, no expiry.
func (s *Store) Set(key, value string) {
	s.submit(&request{op: opSet, key: key, value: value})
}

// SetWithExpiry overwrites key with value expiring after the given duration.
func (s *Store) SetWithExpiry(key, value string, expire time.Duration) {
	s.submit(&request{op: opSet, key: key, value: value, expire: expire, hasExpire: true})
}

// Get returns the value for key. An expired record is deleted and reported
// as absent.
func (s *Store) Get(key string) (string, bool) {
	res := s.submit(&request{op: opGet, key: key})
	return res.value, res.exists
}

// Has reports raw presence in the map, without the expiry check. It exists
// so callers (and tests) can observe that lazy deletion actually removed an
// entry.
func (s *Store) Has(key string) bool {
	return s.submit(&request{op: opHas, key: key}).exists
}

// Close stops the store goroutine. Requests already queued when it stops are
// answered first; requests submitted after that are never answered.
func (s *Store) Close() {
	s.cancel()
}
