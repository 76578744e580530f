package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// view and field metadata only. Record data always reaches the server.
func DefaultCacheableMethods() []string {
	return []string{
		"fields_view_get",
		"fields_get",
		"view_toolbar_get",
	}
}

// calls that neither get cached nor invalidate the cache
// any other model call may mutate data and clears the whole cache
func DefaultReadOnlyMethods() []string {
	return []string{
		"read",
		"search",
		"search_count",
		"search_read",
		"default_get",
		"on_change",
		"on_change_with",
		"autocomplete",
		"get",
	}
}

type cacheBypassKey struct{}

// calls made with the returned context skip cached results
// the fresh result still refreshes the cache
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheBypassKey{}, true)
}

func cacheBypassed(ctx context.Context) bool {
	bypass, _ := ctx.Value(cacheBypassKey{}).(bool)
	return bypass
}

type cacheEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

// response cache keyed by (method, args)
// a mutation on any model clears every entry, since x2many writes and buttons
// change records of other models too
type responseCache struct {
	timeout          time.Duration
	cacheableMethods map[string]bool
	readOnlyMethods  map[string]bool

	stateLock sync.Mutex
	entries   map[string]*cacheEntry
}

func newResponseCache(timeout time.Duration, cacheableMethods []string, readOnlyMethods []string) *responseCache {
	methodSet := func(methods []string) map[string]bool {
		set := map[string]bool{}
		for _, method := range methods {
			set[method] = true
		}
		return set
	}
	return &responseCache{
		timeout:          timeout,
		cacheableMethods: methodSet(cacheableMethods),
		readOnlyMethods:  methodSet(readOnlyMethods),
		entries:          map[string]*cacheEntry{},
	}
}

// `model.party.party.read` -> (`model.party.party.`, `read`)
func splitMethod(method string) (prefix string, name string) {
	i := strings.LastIndex(method, ".")
	if i < 0 {
		return "", method
	}
	return method[:i+1], method[i+1:]
}

func (self *responseCache) Cacheable(method string) bool {
	if !strings.HasPrefix(method, "model.") {
		return false
	}
	_, name := splitMethod(method)
	return self.cacheableMethods[name]
}

func cacheKey(method string, args []any) (string, bool) {
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return method + string(argsBytes), true
}

func (self *responseCache) Get(method string, args []any) (json.RawMessage, bool) {
	key, ok := cacheKey(method, args)
	if !ok {
		return nil, false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(entry.expiresAt) {
		delete(self.entries, key)
		return nil, false
	}
	return entry.result, true
}

func (self *responseCache) Set(method string, args []any, result json.RawMessage) {
	key, ok := cacheKey(method, args)
	if !ok {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries[key] = &cacheEntry{
		result:    result,
		expiresAt: time.Now().Add(self.timeout),
	}
}

// clears the cache when `method` may mutate data
// returns true when the cache was cleared
func (self *responseCache) Invalidate(method string) bool {
	if !strings.HasPrefix(method, "model.") {
		return false
	}
	_, name := splitMethod(method)
	if self.cacheableMethods[name] || self.readOnlyMethods[name] {
		return false
	}
	self.Clear("")
	return true
}

func (self *responseCache) Clear(prefix string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key := range self.entries {
		if strings.HasPrefix(key, prefix) {
			delete(self.entries, key)
		}
	}
}

func (self *responseCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}
