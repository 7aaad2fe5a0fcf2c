////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package logging manages jwalterweatherman log plumbing for the SDK: a
// registry of log listeners that can be added and removed independently, and
// an in-memory log file capped by a circular buffer for bug reports and
// diagnostics.
package logging

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// logListeners tracks every listener registered with jwalterweatherman, keyed
// on a unique ID so that a single listener can be removed without disturbing
// the others. jww only exposes SetLogListeners, which replaces the whole set;
// this registry exists so independent owners (the log file, a UI console, a
// test) do not stomp on each other.
var logListeners = newListenerList()

type listenerList struct {
	listeners map[uint64]jww.LogListener
	currentID uint64
	sync.Mutex
}

func newListenerList() listenerList {
	return listenerList{
		listeners: make(map[uint64]jww.LogListener),
		currentID: 0,
	}
}

// AddLogListener registers the log listener with jwalterweatherman. Returns a
// unique ID that can be used to remove the listener.
func AddLogListener(ll jww.LogListener) uint64 {
	logListeners.Lock()
	defer logListeners.Unlock()

	id := logListeners.add(ll)
	jww.SetLogListeners(logListeners.slice()...)
	return id
}

// RemoveLogListener unregisters the log listener with the ID from
// jwalterweatherman.
func RemoveLogListener(id uint64) {
	logListeners.Lock()
	defer logListeners.Unlock()

	logListeners.remove(id)
	jww.SetLogListeners(logListeners.slice()...)
}

// add inserts the listener into the list and returns its unique ID.
func (lll *listenerList) add(ll jww.LogListener) uint64 {
	id := lll.currentID
	lll.currentID++
	lll.listeners[id] = ll

	return id
}

// remove deletes the listener with the specified ID from the list.
func (lll *listenerList) remove(id uint64) {
	delete(lll.listeners, id)
}

// slice converts the map of listeners to a slice of listeners so that it can
// be registered with jwalterweatherman.SetLogListeners.
func (lll *listenerList) slice() []jww.LogListener {
	listeners := make([]jww.LogListener, 0, len(lll.listeners))
	for _, l := range lll.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}
