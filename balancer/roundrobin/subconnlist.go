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

package roundrobin

import (
	"fmt"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

// subConnData tracks one SubConn within a subConnList.
type subConnData struct {
	subConn balancer.SubConn
	addr    resolver.Address
	list    *subConnList
	index   int

	// rawState is the most recent state the SubConn reported.
	rawState connectivity.State
	// logicalState is the state used for aggregation. It is a filtered view
	// of rawState: after the SubConn reports TRANSIENT_FAILURE, subsequent
	// reports are ignored until it reports READY, and IDLE counts as
	// CONNECTING.
	logicalState connectivity.State
	// watchStarted is set once startWatching has processed this SubConn.
	// Reports arriving before then must not trigger re-resolution: a SubConn
	// already failing at list-creation time would otherwise cause an endless
	// re-resolution loop.
	watchStarted bool
}

// updateLogicalState recomputes the SubConn's logical connectivity state from
// a newly reported state and updates the list's counters. Returns true if the
// logical state changed.
func (scd *subConnData) updateLogicalState(state connectivity.State) bool {
	if logger.V(2) {
		logger.Infof("[%p] connectivity changed for SubConn %v, subconn list %p (index %d of %d): prev_state=%v new_state=%v",
			scd.list.balancer, scd.subConn, scd.list, scd.index, len(scd.list.subConns), scd.logicalState, state)
	}
	// If the last logical state was TRANSIENT_FAILURE, ignore the change
	// unless the new state is READY. This keeps a flapping SubConn counted as
	// failing until it actually recovers.
	if scd.logicalState == connectivity.TransientFailure && state != connectivity.Ready {
		return false
	}
	// An IDLE SubConn is about to be asked to connect, so count it as
	// CONNECTING rather than leaving it out of the counters.
	if state == connectivity.Idle {
		if logger.V(2) {
			logger.Infof("[%p] SubConn %v (index %d): treating IDLE as CONNECTING", scd.list.balancer, scd.subConn, scd.index)
		}
		state = connectivity.Connecting
	}
	if scd.logicalState == state {
		return false
	}
	scd.list.updateStateCounters(scd.logicalState, state)
	scd.logicalState = state
	return true
}

// subConnList is an ordered, fixed-membership list of SubConns built from a
// single resolver update.
type subConnList struct {
	balancer *rrBalancer
	subConns []*subConnData

	// Counters of SubConns per logical state. IDLE SubConns are uncounted,
	// so the sum is at most len(subConns).
	numReady            int
	numConnecting       int
	numTransientFailure int
}

// newSubConnList creates a SubConn for every address, registering a state
// listener that feeds this list. The SubConns are not asked to connect until
// startWatching.
func newSubConnList(b *rrBalancer, addrs []resolver.Address) *subConnList {
	sl := &subConnList{balancer: b}
	for _, addr := range addrs {
		scd := &subConnData{
			addr:         addr,
			list:         sl,
			rawState:     connectivity.Idle,
			logicalState: connectivity.Idle,
		}
		sc, err := b.cc.NewSubConn([]resolver.Address{addr}, balancer.NewSubConnOptions{
			HealthCheckEnabled: true,
			StateListener: func(state balancer.SubConnState) {
				sl.handleSubConnStateChange(scd, state.ConnectivityState)
			},
		})
		if err != nil {
			logger.Warningf("[%p] failed to create new SubConn for address %q: %v", b, addr.Addr, err)
			continue
		}
		scd.subConn = sc
		scd.index = len(sl.subConns)
		sl.subConns = append(sl.subConns, scd)
	}
	if logger.V(2) {
		logger.Infof("[%p] created subconn list %p with %d subconns", b, sl, len(sl.subConns))
	}
	return sl
}

// startWatching seeds the list's counters, requests connections, and performs
// the initial aggregate-state evaluation. statusForTF is reported if the list
// is empty or all of its SubConns are in TRANSIENT_FAILURE.
func (sl *subConnList) startWatching(statusForTF error) {
	// Seed logical states from anything the SubConns reported before this
	// point. A freshly created SubConn is IDLE, which stays uncounted.
	for _, scd := range sl.subConns {
		if st := scd.rawState; st != connectivity.Idle {
			scd.updateLogicalState(st)
		}
	}
	// From here on, raw TRANSIENT_FAILURE or IDLE reports also trigger
	// re-resolution and a reconnect request.
	for _, scd := range sl.subConns {
		scd.watchStarted = true
		scd.subConn.Connect()
	}
	sl.maybeUpdateBalancerState(statusForTF)
}

// handleSubConnStateChange is the state listener target for every SubConn in
// the list. It runs in the channel's serialized callback context.
func (sl *subConnList) handleSubConnStateChange(scd *subConnData, state connectivity.State) {
	b := sl.balancer
	// SHUTDOWN is the terminal report of a SubConn this policy already
	// discarded; there is nothing to aggregate.
	if state == connectivity.Shutdown {
		return
	}
	// Ignore late reports for a list that has been orphaned, either by a
	// newer pending list or by promotion of another list.
	if sl != b.subConnList && sl != b.latestPendingSubConnList {
		return
	}
	scd.rawState = state
	// A raw TRANSIENT_FAILURE or IDLE report means the backend went away or
	// the connection dropped: ask the resolver for fresh addresses and ask
	// the SubConn to reconnect. Gated on watchStarted, see subConnData.
	if scd.watchStarted && (state == connectivity.TransientFailure || state == connectivity.Idle) {
		if logger.V(2) {
			logger.Infof("[%p] SubConn %v reported %v; requesting re-resolution", b, scd.subConn, state)
		}
		b.cc.ResolveNow(resolver.ResolveNowOptions{})
		scd.subConn.Connect()
	}
	if scd.updateLogicalState(state) {
		sl.maybeUpdateBalancerState(status.Error(codes.Unavailable, "connections to all backends failing"))
	}
}

// updateStateCounters adjusts the per-state counters for a SubConn moving
// from oldState to newState. IDLE is never counted.
func (sl *subConnList) updateStateCounters(oldState, newState connectivity.State) {
	switch oldState {
	case connectivity.Ready:
		if sl.numReady == 0 {
			logger.Fatalf("[%p] numReady underflow in subconn list %p (%s)", sl.balancer, sl, sl.countersString())
		}
		sl.numReady--
	case connectivity.Connecting:
		if sl.numConnecting == 0 {
			logger.Fatalf("[%p] numConnecting underflow in subconn list %p (%s)", sl.balancer, sl, sl.countersString())
		}
		sl.numConnecting--
	case connectivity.TransientFailure:
		if sl.numTransientFailure == 0 {
			logger.Fatalf("[%p] numTransientFailure underflow in subconn list %p (%s)", sl.balancer, sl, sl.countersString())
		}
		sl.numTransientFailure--
	}
	switch newState {
	case connectivity.Ready:
		sl.numReady++
	case connectivity.Connecting:
		sl.numConnecting++
	case connectivity.TransientFailure:
		sl.numTransientFailure++
	}
}

// maybeUpdateBalancerState promotes this list to current if appropriate, and
// if this list is (now) the current one, publishes the aggregate connectivity
// state and a matching picker to the channel.
func (sl *subConnList) maybeUpdateBalancerState(statusForTF error) {
	b := sl.balancer
	// If this is the pending list, swap it into place if:
	// - there is no current list (first update), or
	// - the current list has no READY SubConns, or
	// - this list has at least one READY SubConn, or
	// - all of this list's SubConns are in TRANSIENT_FAILURE, or the list is
	//   empty. (This may take the channel from READY to TRANSIENT_FAILURE,
	//   but it is what the resolver told us to do.)
	// Otherwise a failing update keeps waiting here and cannot tear down a
	// healthy current list.
	if b.latestPendingSubConnList == sl &&
		(b.subConnList == nil ||
			b.subConnList.numReady == 0 ||
			sl.numReady > 0 ||
			sl.numTransientFailure == len(sl.subConns)) {
		if logger.V(2) {
			old := "<nil>"
			if b.subConnList != nil {
				old = fmt.Sprintf("%p (%s)", b.subConnList, b.subConnList.countersString())
			}
			logger.Infof("[%p] swapping out subconn list %s in favor of %p (%s)", b, old, sl, sl.countersString())
		}
		old := b.subConnList
		b.subConnList = sl
		b.latestPendingSubConnList = nil
		if old != nil {
			old.shutdown()
		}
	}
	// Only the current list may publish state.
	if b.subConnList != sl {
		return
	}
	// First matching rule wins:
	// 1) any SubConn READY          => policy is READY
	// 2) any SubConn CONNECTING     => policy is CONNECTING
	// 3) all SubConns in TRANSIENT_FAILURE (incl. the empty list)
	//                               => policy is TRANSIENT_FAILURE
	// If none match (some SubConns still IDLE and uncounted), the previously
	// published state remains in effect.
	switch {
	case sl.numReady > 0:
		if logger.V(2) {
			logger.Infof("[%p] reporting READY with subconn list %p", b, sl)
		}
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Ready,
			Picker:            newRRPicker(sl),
		})
	case sl.numConnecting > 0:
		if logger.V(2) {
			logger.Infof("[%p] reporting CONNECTING with subconn list %p", b, sl)
		}
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Connecting,
			// Queue picks until a usable picker is published.
			Picker: base.NewErrPicker(balancer.ErrNoSubConnAvailable),
		})
	case sl.numTransientFailure == len(sl.subConns):
		if logger.V(2) {
			logger.Infof("[%p] reporting TRANSIENT_FAILURE with subconn list %p: %v", b, sl, statusForTF)
		}
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            base.NewErrPicker(statusForTF),
		})
	}
}

// connectAll requests a connection attempt from every SubConn in the list.
func (sl *subConnList) connectAll() {
	for _, scd := range sl.subConns {
		scd.subConn.Connect()
	}
}

// shutdown orphans the list: every SubConn is shut down, which cancels its
// state watch. Late listener callbacks are discarded because the list is no
// longer reachable as current or pending.
func (sl *subConnList) shutdown() {
	if logger.V(2) {
		logger.Infof("[%p] shutting down subconn list %p", sl.balancer, sl)
	}
	for _, scd := range sl.subConns {
		scd.subConn.Shutdown()
	}
}

func (sl *subConnList) countersString() string {
	return fmt.Sprintf("num_subconns=%d num_ready=%d num_connecting=%d num_transient_failure=%d",
		len(sl.subConns), sl.numReady, sl.numConnecting, sl.numTransientFailure)
}
