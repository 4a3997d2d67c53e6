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
	"sync/atomic"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"

	"github.com/csapuntz/grpc/internal/grpcrand"
)

// Stubbed out in tests for deterministic rotation.
var randIntn = grpcrand.Intn

// rrPicker is an immutable snapshot of a subConnList's READY SubConns, in
// list order. Only the rotation cursor changes after construction, so the
// picker is safe for concurrent use by RPC-issuing goroutines while the
// balancer builds its replacement.
type rrPicker struct {
	subConns []balancer.SubConn
	next     uint32
}

// newRRPicker builds a picker over the READY SubConns of sl. The caller
// guarantees at least one SubConn is READY.
func newRRPicker(sl *subConnList) *rrPicker {
	scs := make([]balancer.SubConn, 0, sl.numReady)
	for _, scd := range sl.subConns {
		if scd.logicalState == connectivity.Ready {
			scs = append(scs, scd.subConn)
		}
	}
	if len(scs) == 0 {
		logger.Fatalf("[%p] picker built with zero READY subconns (%s)", sl.balancer, sl.countersString())
	}
	// Start each picker at a random offset so that channels built from the
	// same address list do not all hammer the same backend first. See
	// https://github.com/grpc/grpc-go/issues/2580.
	p := &rrPicker{
		subConns: scs,
		next:     uint32(randIntn(len(scs))),
	}
	if logger.V(2) {
		logger.Infof("[%p] created picker %p from subconn list %p with %d READY subconns; start index %d",
			sl.balancer, p, sl, len(scs), p.next)
	}
	return p
}

func (p *rrPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	// The increment may race with other picks; the modulo is applied after
	// the atomic add, so the index is always in range and contention costs at
	// most a slightly uneven rotation.
	next := atomic.AddUint32(&p.next, 1)
	return balancer.PickResult{SubConn: p.subConns[next%uint32(len(p.subConns))]}, nil
}
