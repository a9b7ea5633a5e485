/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ratelimiter wraps github.com/juju/ratelimit's token bucket with
// the oversized-request capacity growth and non-blocking semantics of
// component/ratelimiter.py (spec.md §4.1 "Rate Limiter").
package ratelimiter

import (
	"sync"

	"github.com/juju/ratelimit"
)

// RateLimiter is safe for concurrent use; every fetcher goroutine and the
// piece server share one instance per limit scope (local / total).
type RateLimiter struct {
	mu       sync.Mutex
	bucket   *ratelimit.Bucket
	rate     int64 // bytes/sec, 0 = unlimited
	capacity int64
}

// New builds a limiter for the given rate in bytes/sec. A rate <= 0
// disables limiting entirely (Acquire becomes a pass-through), matching
// "--locallimit 0 and --totallimit 0 disable limits".
func New(rateBytesPerSec int64) *RateLimiter {
	r := &RateLimiter{rate: rateBytesPerSec, capacity: rateBytesPerSec}
	if rateBytesPerSec > 0 {
		r.bucket = ratelimit.NewBucketWithRate(float64(rateBytesPerSec), rateBytesPerSec)
	}
	return r
}

// Unlimited reports whether this limiter currently passes everything
// through without waiting.
func (r *RateLimiter) Unlimited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate <= 0
}

// Acquire requests n tokens. If blocking is true it sleeps until the
// tokens are available and returns n. If blocking is false and the
// bucket cannot satisfy the request immediately, it returns -1 without
// consuming anything (component/ratelimiter.py's non-blocking branch).
//
// A single request larger than the bucket's capacity grows the capacity
// to fit it (oversized-piece requests must still eventually succeed
// rather than starve forever), mirroring the original's handling of a
// read chunk bigger than the configured rate.
func (r *RateLimiter) Acquire(n int64, blocking bool) int64 {
	if n <= 0 {
		return 0
	}

	r.mu.Lock()
	if r.rate <= 0 {
		r.mu.Unlock()
		return n
	}
	if n > r.capacity {
		r.growCapacityLocked(n)
	}
	bucket := r.bucket
	r.mu.Unlock()

	if !blocking {
		if bucket.Available() < n {
			return -1
		}
		bucket.TakeAvailable(n)
		return n
	}

	bucket.Wait(n)
	return n
}

// growCapacityLocked rebuilds the underlying bucket at the larger
// capacity, preserving the configured refill rate. Called with mu held.
func (r *RateLimiter) growCapacityLocked(newCapacity int64) {
	r.capacity = newCapacity
	r.bucket = ratelimit.NewBucketWithRate(float64(r.rate), newCapacity)
}

// Refresh changes the limiter's rate at runtime (the scheduler calls
// this after a supernode-directed rate change, spec.md §4.1 "periodic
// refresh"). A newRate <= 0 disables limiting.
func (r *RateLimiter) Refresh(newRate int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = newRate
	if newRate <= 0 {
		r.bucket = nil
		return
	}
	r.capacity = newRate
	r.bucket = ratelimit.NewBucketWithRate(float64(newRate), newRate)
}

// Rate returns the currently configured rate in bytes/sec (0 = unlimited).
func (r *RateLimiter) Rate() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
