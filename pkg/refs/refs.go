// Copyright 2025 The vdisp Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refs defines the interface for reference-counted objects and
// provides leak checking for them.
package refs

import (
	"fmt"

	"vdisp.dev/vdisp/pkg/atomicbitops"
	"vdisp.dev/vdisp/pkg/log"
	"vdisp.dev/vdisp/pkg/sync"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Implementations may
	// specify a destructor to be called once the reference count reaches zero.
	DecRef()
}

// TryRefCounter is like RefCounter but allow the ref increment to be tried.
type TryRefCounter interface {
	RefCounter

	// TryIncRef attempts to increment the reference count, but may fail if all
	// references have already been dropped, in which case it returns false. If
	// true is returned, then a valid reference is now held on the object.
	TryIncRef() bool
}

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// leakCheckEnabled indicates whether leak checking is on. It is off by
// default; tests turn it on.
var leakCheckEnabled atomicbitops.Bool

// SetLeakCheckEnabled enables or disables leak checking for objects
// registered after the call.
func SetLeakCheckEnabled(enabled bool) {
	leakCheckEnabled.Store(enabled)
}

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return leakCheckEnabled.Load()
}

var (
	liveObjectsMu sync.Mutex
	liveObjects   map[CheckedObject]struct{}
)

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if liveObjects == nil {
		liveObjects = make(map[CheckedObject]struct{})
	}
	if _, ok := liveObjects[obj]; ok {
		panic(fmt.Sprintf("registering live object %p (%s) twice", obj, obj.RefType()))
	}
	liveObjects[obj] = struct{}{}
	if obj.LogRefs() {
		log.Infof("[%s %p] registered", obj.RefType(), obj)
	}
}

// Unregister removes obj from the live object map.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if _, ok := liveObjects[obj]; !ok {
		// The object may predate enabling the leak checker.
		return
	}
	delete(liveObjects, obj)
	if obj.LogRefs() {
		log.Infof("[%s %p] unregistered", obj.RefType(), obj)
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if obj.LogRefs() {
		log.Infof("[%s %p] IncRef to %d", obj.RefType(), obj, refs)
	}
}

// LogTryIncRef logs a successful attempt to increment a reference.
func LogTryIncRef(obj CheckedObject, refs int64) {
	if obj.LogRefs() {
		log.Infof("[%s %p] TryIncRef to %d", obj.RefType(), obj, refs)
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if obj.LogRefs() {
		log.Infof("[%s %p] DecRef to %d", obj.RefType(), obj, refs)
	}
}

// DoLeakCheck reports all outstanding reference-counted objects and returns
// their count. Objects with references still held at a point where none
// should remain indicate a leaked reference.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if len(liveObjects) > 0 {
		log.Warningf("Leak checking detected %d leaked objects:", len(liveObjects))
		for obj := range liveObjects {
			log.Warningf("%s", obj.LeakMessage())
		}
	}
	return len(liveObjects)
}
