package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/statestore"
	"github.com/objectwire/objectwire/wire"
)

// kvActor is the daemon's built-in actor: a versioned key/value document
// persisted through the configured state store. Every mutation goes through
// the optimistic-concurrency update loop, so concurrent writers on
// replicated nodes converge without losing entries.
type kvActor struct {
	def   *actor.Definition
	store statestore.Store
	id    string

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// kvPutResult is the reply of the put and remove targets.
type kvPutResult struct {
	Version uint64 `json:"version"`
}

// decodeDoc parses a stored document, treating absent state as empty.
func decodeDoc(data []byte) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode kv document: %w", err)
	}
	return doc, nil
}

func newKVActor(store statestore.Store, identity wire.ActorID) *kvActor {
	kv := &kvActor{
		def:   actor.New(identity),
		store: store,
		id:    identity.ID,
		subs:  make(map[chan []byte]struct{}),
	}
	// Registration of fixed labels cannot fail.
	_ = kv.def.Handle("get", kv.get)
	_ = kv.def.Handle("put", kv.put)
	_ = kv.def.Handle("remove", kv.remove)
	_ = kv.def.Handle("keys", kv.keys)
	_ = kv.def.HandleStream("observeEntries", kv.observeEntries)
	return kv
}

func (kv *kvActor) load(ctx context.Context) (map[string]json.RawMessage, error) {
	st, err := kv.store.Load(ctx, kv.id)
	if errors.Is(err, statestore.ErrNotFound) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(st.Data)
}

func (kv *kvActor) get(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (any, error) {
	var key string
	if err := actor.DecodeArgs("get", dec, &key); err != nil {
		return nil, err
	}
	doc, err := kv.load(ctx)
	if err != nil {
		return nil, err
	}
	value, ok := doc[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found", key)
	}
	return value, nil
}

func (kv *kvActor) put(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (any, error) {
	var (
		key   string
		value json.RawMessage
	)
	if err := actor.DecodeArgs("put", dec, &key, &value); err != nil {
		return nil, err
	}
	version, err := kv.mutate(ctx, func(doc map[string]json.RawMessage) {
		doc[key] = value
	})
	if err != nil {
		return nil, err
	}
	return kvPutResult{Version: version}, nil
}

func (kv *kvActor) remove(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (any, error) {
	var key string
	if err := actor.DecodeArgs("remove", dec, &key); err != nil {
		return nil, err
	}
	version, err := kv.mutate(ctx, func(doc map[string]json.RawMessage) {
		delete(doc, key)
	})
	if err != nil {
		return nil, err
	}
	return kvPutResult{Version: version}, nil
}

func (kv *kvActor) keys(ctx context.Context, _ actor.ArgumentDecoder, _ []string) (any, error) {
	doc, err := kv.load(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// mutate applies change through the optimistic update loop and notifies
// document observers.
func (kv *kvActor) mutate(ctx context.Context, change func(map[string]json.RawMessage)) (uint64, error) {
	var updated []byte
	version, err := statestore.Update(ctx, kv.store, kv.id, func(current []byte) ([]byte, error) {
		doc, err := decodeDoc(current)
		if err != nil {
			return nil, err
		}
		change(doc)
		updated, err = json.Marshal(doc)
		return updated, err
	})
	if err != nil {
		return 0, err
	}
	kv.notify(updated)
	return version, nil
}

// observeEntries streams the current document followed by every subsequent
// version.
func (kv *kvActor) observeEntries(ctx context.Context, _ actor.ArgumentDecoder, _ []string) (actor.Sequence, error) {
	doc, err := kv.load(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 64)
	ch <- snapshot
	kv.mu.Lock()
	kv.subs[ch] = struct{}{}
	kv.mu.Unlock()
	return &docSequence{kv: kv, ch: ch}, nil
}

func (kv *kvActor) notify(doc []byte) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for ch := range kv.subs {
		// Slow observers miss intermediate versions rather than block the
		// writer; the next notification carries the full document anyway.
		select {
		case ch <- doc:
		default:
		}
	}
}

func (kv *kvActor) unsubscribe(ch chan []byte) {
	kv.mu.Lock()
	delete(kv.subs, ch)
	kv.mu.Unlock()
}

// docSequence yields document versions until its context ends, then drops
// its subscription.
type docSequence struct {
	kv *kvActor
	ch chan []byte
}

func (s *docSequence) Next(ctx context.Context) ([]byte, error) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		s.kv.unsubscribe(s.ch)
		return nil, ctx.Err()
	}
}
