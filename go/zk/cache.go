// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zk

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	cacheTTL     = 30 * time.Second
	cacheCleanup = time.Minute
)

type cachedData struct {
	data    []byte
	version int32
}

type cachedChildren struct {
	children []string
}

// CachedConn layers a read cache over a Conn. It is authoritative for
// read-mostly configuration; any writer going through it invalidates
// the affected paths. Out-of-band writers must call Invalidate
// themselves.
type CachedConn struct {
	conn     Conn
	data     *gocache.Cache
	children *gocache.Cache
	missing  *gocache.Cache
}

func NewCachedConn(conn Conn) *CachedConn {
	return &CachedConn{
		conn:     conn,
		data:     gocache.New(cacheTTL, cacheCleanup),
		children: gocache.New(cacheTTL, cacheCleanup),
		missing:  gocache.New(cacheTTL, cacheCleanup),
	}
}

func (cc *CachedConn) Get(p string) ([]byte, int32, error) {
	if v, ok := cc.data.Get(p); ok {
		cd := v.(cachedData)
		return cd.data, cd.version, nil
	}
	if _, ok := cc.missing.Get(p); ok {
		return nil, 0, ErrNoNode
	}
	data, version, err := cc.conn.Get(p)
	if err == ErrNoNode {
		cc.missing.SetDefault(p, true)
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, err
	}
	cc.data.SetDefault(p, cachedData{data: data, version: version})
	return data, version, nil
}

func (cc *CachedConn) Children(p string) ([]string, error) {
	if v, ok := cc.children.Get(p); ok {
		return v.(cachedChildren).children, nil
	}
	children, err := cc.conn.Children(p)
	if err != nil {
		return nil, err
	}
	cc.children.SetDefault(p, cachedChildren{children: children})
	return children, nil
}

func (cc *CachedConn) Exists(p string) (bool, error) {
	if _, ok := cc.data.Get(p); ok {
		return true, nil
	}
	if _, ok := cc.missing.Get(p); ok {
		return false, nil
	}
	ok, err := cc.conn.Exists(p)
	if err != nil {
		return false, err
	}
	if !ok {
		cc.missing.SetDefault(p, true)
	}
	return ok, nil
}

// Invalidate drops every cached entry whose path matches pred.
func (cc *CachedConn) Invalidate(pred func(path string) bool) {
	for _, c := range []*gocache.Cache{cc.data, cc.children, cc.missing} {
		for p := range c.Items() {
			if pred(p) {
				c.Delete(p)
			}
		}
	}
}

// InvalidatePath drops one path and its parent's child listing.
func (cc *CachedConn) InvalidatePath(p string) {
	cc.data.Delete(p)
	cc.missing.Delete(p)
	cc.children.Delete(p)
	if i := lastSlash(p); i > 0 {
		cc.children.Delete(p[:i])
	}
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// Mutating calls pass through and invalidate.

func (cc *CachedConn) Create(p string, data []byte, mode CreateMode, policy PutPolicy) (string, error) {
	created, err := cc.conn.Create(p, data, mode, policy)
	if err == nil {
		cc.InvalidatePath(p)
		if created != p {
			cc.InvalidatePath(created)
		}
	}
	return created, err
}

func (cc *CachedConn) Set(p string, data []byte, version int32) error {
	err := cc.conn.Set(p, data, version)
	if err == nil || err == ErrBadVersion {
		cc.InvalidatePath(p)
	}
	return err
}

func (cc *CachedConn) MutateExisting(p string, f func([]byte) ([]byte, error)) error {
	err := cc.conn.MutateExisting(p, f)
	cc.InvalidatePath(p)
	return err
}

func (cc *CachedConn) Delete(p string, version int32) error {
	err := cc.conn.Delete(p, version)
	if err == nil || err == ErrBadVersion {
		cc.InvalidatePath(p)
	}
	return err
}

func (cc *CachedConn) Watch(p string, listener func(Event)) error {
	// Watch events drop the cached entry before the listener runs so a
	// read from inside the callback sees fresh data. Do not block in
	// the listener.
	return cc.conn.Watch(p, func(ev Event) {
		cc.InvalidatePath(ev.Path)
		listener(ev)
	})
}

func (cc *CachedConn) Close() {
	cc.conn.Close()
}
