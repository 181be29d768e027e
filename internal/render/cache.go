package render

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleTimeout how long an unused handle stays open.
const DefaultIdleTimeout = 60 * time.Second

type entry struct {
	value io.Closer
	once  sync.Once
	// users holding the handle; a busy entry is never evicted
	users atomic.Int32
}

func (e *entry) close(key string, logger log.FieldLogger) {
	e.once.Do(func() {
		if err := e.value.Close(); err != nil {
			logger.Warnf("close %s failure ~ %s", key, err)
		}
	})
}

// Cache keeps source handles (open databases, decoded rasters) between tiles
// and closes them once they have been idle for the idle timeout. One Cache
// belongs to one build; Close releases everything it still holds.
type Cache struct {
	items *ccache.Cache[*entry]
	group singleflight.Group
	idle  time.Duration
	log   log.FieldLogger

	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewCache starts a cache with its eviction janitor.
func NewCache(idle time.Duration, logger log.FieldLogger) *Cache {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Cache{
		idle: idle,
		log:  logger,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.items = ccache.New(ccache.Configure[*entry]().MaxSize(1024).OnDelete(func(item *ccache.Item[*entry]) {
		item.Value().close(item.Key(), c.log)
	}))
	go c.janitor()
	return c
}

func (c *Cache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(c.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictIdle()
		case <-c.stop:
			return
		}
	}
}

// evictIdle closes every handle whose idle timeout has passed and that no
// render is using.
func (c *Cache) evictIdle() {
	expired := map[string]*entry{}
	c.items.ForEachFunc(func(key string, item *ccache.Item[*entry]) bool {
		if item.Expired() && item.Value().users.Load() == 0 {
			expired[key] = item.Value()
		}
		return true
	})
	for key, e := range expired {
		c.items.Delete(key)
		e.close(key, c.log)
		c.log.Debugf("closed idle handle %s", key)
	}
}

// Len number of open handles.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Close stops the janitor and closes all handles.
func (c *Cache) Close() {
	c.stopped.Do(func() {
		close(c.stop)
		<-c.done
		all := map[string]*entry{}
		c.items.ForEachFunc(func(key string, item *ccache.Item[*entry]) bool {
			all[key] = item.Value()
			return true
		})
		for key, e := range all {
			c.items.Delete(key)
			e.close(key, c.log)
		}
		c.items.Stop()
	})
}

// cached returns the handle stored under key, opening it once when missing.
// Concurrent callers for the same key share a single open. The handle stays
// open until release is called; release restarts the idle timeout.
func cached[T io.Closer](c *Cache, key string, open func() (T, error)) (T, func(), error) {
	e, err := c.acquire(key, func() (io.Closer, error) { return open() })
	if err != nil {
		var zero T
		return zero, nil, err
	}
	return e.value.(T), func() { c.release(key, e) }, nil
}

func (c *Cache) acquire(key string, open func() (io.Closer, error)) (*entry, error) {
	if e := c.live(key); e != nil {
		e.users.Add(1)
		return e, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if e := c.live(key); e != nil {
			return e, nil
		}
		h, err := open()
		if err != nil {
			return nil, err
		}
		e := &entry{value: h}
		c.items.Set(key, e, c.idle)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(*entry)
	e.users.Add(1)
	return e, nil
}

func (c *Cache) live(key string) *entry {
	item := c.items.Get(key)
	if item == nil || (item.Expired() && item.Value().users.Load() == 0) {
		return nil
	}
	item.Extend(c.idle)
	return item.Value()
}

func (c *Cache) release(key string, e *entry) {
	e.users.Add(-1)
	if item := c.items.Get(key); item != nil && item.Value() == e {
		item.Extend(c.idle)
	}
}

// nopCloser holds values without resources, such as decoded images.
type nopCloser[T any] struct {
	v T
}

func (nopCloser[T]) Close() error { return nil }
