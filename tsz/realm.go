// Package tsz provides the realm registry of the metrics subsystem. A realm
// is a named, reference-counted category tag attached to metrics; realm
// names are globally unique within the process.
package tsz

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/refcount"
)

// Realm represents a realm with the given name.
//
// Realm names MUST be unique: NewRealm panics if another realm with the same
// name already exists, enforcing a single Realm value (and corresponding
// symbol) per name in the whole program.
//
// Realms are reference-counted; Close blocks until the reference count drops
// to zero, safe-guarding against destroying a Realm while some metrics still
// refer to it. The safest usage is to keep Realm values alive for the whole
// process lifetime.
type Realm struct {
	refcount.Blocking

	name string
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Realm)

	defaultOnce sync.Once
	defaultRealm, metaRealm, hugeRealm *Realm
)

// NewRealm registers a new realm. It panics if the name is already taken,
// which is a programming error.
func NewRealm(name string) *Realm {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(`tsz: duplicate realm name: ` + name)
	}
	realm := &Realm{name: name}
	registry[name] = realm
	return realm
}

// Name returns the name of the realm.
func (r *Realm) Name() string { return r.name }

// GetRef returns a counted handle pointing to this Realm.
func (r *Realm) GetRef() refcount.Ptr[*Realm] { return refcount.NewPtr(r) }

// Close waits until no handle refers to the realm any more, then removes it
// from the registry. Owners must call it before discarding the Realm.
func (r *Realm) Close() {
	r.WaitNotReferenced()
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, r.name)
}

// RealmByName retrieves a handle to a registered realm. Most code should
// refer to realms by their symbols instead; this is for surfaces like
// command line flags that name realms as strings.
func RealmByName(name string) (refcount.Ptr[*Realm], error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if realm, ok := registry[name]; ok {
		return refcount.NewPtr(realm), nil
	}
	return refcount.Ptr[*Realm]{}, status.Error(codes.NotFound, `unknown realm: `+name)
}

func initPredefined() {
	defaultOnce.Do(func() {
		defaultRealm = NewRealm(`default`)
		metaRealm = NewRealm(`meta`)
		hugeRealm = NewRealm(`huge`)
	})
}

// Default returns a handle to the default realm for most metrics.
func Default() refcount.Ptr[*Realm] {
	initPredefined()
	return defaultRealm.GetRef()
}

// Meta returns a handle to the realm for metamonitoring metrics.
func Meta() refcount.Ptr[*Realm] {
	initPredefined()
	return metaRealm.GetRef()
}

// Huge returns a handle to the realm for metrics with very large cardinality
// that pose a risk of dropping write RPCs.
func Huge() refcount.Ptr[*Realm] {
	initPredefined()
	return hugeRealm.GetRef()
}
