/*
 *
 * Copyright 2024 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package roundrobin implements the round_robin load balancing policy. The
// policy creates one SubConn per resolved address, keeps all of them
// connected, and spreads RPCs across the READY ones in rotation.
//
// The implementation follows the classic subchannel-list design: each
// resolver update produces a new immutable list of SubConns, which is kept
// pending until it is at least as healthy as the list currently serving
// picks, and only then swapped in. This keeps a healthy set of connections
// serving RPCs while a new address list warms up.
//
// The grpc package registers a built-in policy under the same name, and the
// balancer registry keeps whichever registration ran last. Programs that
// import google.golang.org/grpc must call Register to make sure this
// implementation owns the name; importing this package is only sufficient
// when the built-in policy is not linked in.
package roundrobin

import (
	"encoding/json"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/serviceconfig"
	"google.golang.org/grpc/status"
)

// Name is the name of the round_robin balancer.
const Name = "round_robin"

var logger = grpclog.Component("round_robin")

func init() {
	Register()
}

// Register registers the round_robin builder with the balancer registry,
// replacing any builder previously registered under the name. Package
// initialization order runs this package's init before the grpc package's,
// so the built-in round_robin policy silently wins the name whenever both
// are linked in; calling Register from main (or TestMain) after all inits
// have run takes it back. Must not be called while channels are being
// created.
func Register() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Build(cc balancer.ClientConn, _ balancer.BuildOptions) balancer.Balancer {
	b := &rrBalancer{cc: cc}
	if logger.V(2) {
		logger.Infof("[%p] created", b)
	}
	return b
}

func (bb) Name() string {
	return Name
}

func (bb) ParseConfig(json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	// round_robin takes no configuration; accept anything.
	return &LBConfig{}, nil
}

// LBConfig is the balancer config for the round_robin balancer. It is empty:
// the policy has no knobs.
type LBConfig struct {
	serviceconfig.LoadBalancingConfig `json:"-"`
}

// rrBalancer implements the round_robin LB policy.
//
// All fields are accessed only from calls into the balancer.Balancer API and
// from SubConn state listener callbacks, both of which the channel serializes
// onto a single callback queue. No mutex is required; the only value shared
// with RPC-issuing goroutines is the picker's rotation cursor, which is
// atomic.
type rrBalancer struct {
	cc balancer.ClientConn

	// subConnList is the list currently serving picks.
	subConnList *subConnList
	// latestPendingSubConnList holds the list built from the most recent
	// resolver update. It waits here until maybeUpdateBalancerState decides
	// it is fit to replace subConnList.
	latestPendingSubConnList *subConnList

	shut bool
}

func (b *rrBalancer) UpdateClientConnState(ccs balancer.ClientConnState) error {
	addrs := ccs.ResolverState.Addresses
	if logger.V(2) {
		logger.Infof("[%p] received update with %d addresses", b, len(addrs))
	}
	// Build a new list, replacing any previous pending list. The current
	// list, if any, keeps serving until the new one earns promotion.
	if b.latestPendingSubConnList != nil {
		if logger.V(2) {
			logger.Infof("[%p] replacing previous pending subconn list %p", b, b.latestPendingSubConnList)
		}
		b.latestPendingSubConnList.shutdown()
	}
	sl := newSubConnList(b, addrs)
	b.latestPendingSubConnList = sl
	// Start watching the new list. If appropriate, this promotes it to
	// subConnList immediately and publishes a new picker. The status is used
	// only if the list is empty or ends up entirely in TRANSIENT_FAILURE.
	sl.startWatching(status.Error(codes.Unavailable, "empty address list"))
	if len(addrs) == 0 {
		return balancer.ErrBadResolverState
	}
	return nil
}

func (b *rrBalancer) ResolverError(err error) {
	if logger.V(2) {
		logger.Infof("[%p] received resolver error: %v", b, err)
	}
	if b.subConnList != nil {
		// We have usable addresses from a previous update. Stale data beats
		// tearing down working connections, so ignore the error.
		return
	}
	// No connections to fall back on. Proceed as if the resolver had returned
	// an empty address list so the channel reports a clear failure instead of
	// staying idle forever.
	if b.latestPendingSubConnList != nil {
		b.latestPendingSubConnList.shutdown()
	}
	sl := newSubConnList(b, nil)
	b.latestPendingSubConnList = sl
	sl.startWatching(status.Errorf(codes.Unavailable, "name resolution error: %v", err))
}

// UpdateSubConnState is unused, since state updates are delivered to the
// listener registered at SubConn creation time.
func (b *rrBalancer) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
	logger.Errorf("[%p] UpdateSubConnState(%v, %+v) called unexpectedly", b, sc, state)
}

// ExitIdle requests an immediate connection attempt from every SubConn in
// both the current and the pending lists. The channel invokes this when it
// leaves idleness or when the user resets connection backoff; actual backoff
// state lives in the transports, so forwarding Connect is all the policy can
// and needs to do.
func (b *rrBalancer) ExitIdle() {
	if b.subConnList != nil {
		b.subConnList.connectAll()
	}
	if b.latestPendingSubConnList != nil {
		b.latestPendingSubConnList.connectAll()
	}
}

func (b *rrBalancer) Close() {
	if logger.V(2) {
		logger.Infof("[%p] shutting down", b)
	}
	b.shut = true
	if b.subConnList != nil {
		b.subConnList.shutdown()
		b.subConnList = nil
	}
	if b.latestPendingSubConnList != nil {
		b.latestPendingSubConnList.shutdown()
		b.latestPendingSubConnList = nil
	}
}
