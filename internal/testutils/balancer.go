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

// Package testutils provides fakes for the balancer.ClientConn and
// balancer.SubConn interfaces, for driving a balancer from tests the way the
// channel would: synchronously, one operation at a time.
package testutils

import (
	"fmt"
	"testing"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

// TestSubConnsCount is the number of TestSubConns a TestClientConn can create
// before its observation channels would block.
const TestSubConnsCount = 16

// TestSubConn implements the balancer.SubConn interface, and records the
// operations invoked on it.
type TestSubConn struct {
	tcc *TestClientConn
	id  string

	Addresses []resolver.Address
	// ConnectCh receives a token per Connect call.
	ConnectCh chan struct{}

	stateListener func(balancer.SubConnState)
}

// UpdateAddresses is a no-op.
func (tsc *TestSubConn) UpdateAddresses([]resolver.Address) {}

// Connect records the connect request without changing any state.
func (tsc *TestSubConn) Connect() {
	select {
	case tsc.ConnectCh <- struct{}{}:
	default:
	}
}

// GetOrBuildProducer is a no-op.
func (tsc *TestSubConn) GetOrBuildProducer(balancer.ProducerBuilder) (balancer.Producer, func()) {
	return nil, func() {}
}

// Shutdown records the shutdown on the parent TestClientConn and delivers the
// terminal SHUTDOWN state to the listener, like the channel does.
func (tsc *TestSubConn) Shutdown() {
	tsc.tcc.ShutdownSubConnCh <- tsc
	tsc.stateListener(balancer.SubConnState{ConnectivityState: connectivity.Shutdown})
}

// UpdateState invokes the state listener registered at creation time,
// synchronously on the caller's goroutine. Production delivery is serialized
// by the channel; tests reproduce that by driving the balancer from a single
// goroutine.
func (tsc *TestSubConn) UpdateState(state balancer.SubConnState) {
	tsc.stateListener(state)
}

func (tsc *TestSubConn) String() string {
	return tsc.id
}

// TestClientConn implements the balancer.ClientConn interface, and records
// the operations invoked on it on buffered channels.
type TestClientConn struct {
	t *testing.T

	// NewSubConnCh receives every SubConn the balancer creates.
	NewSubConnCh chan *TestSubConn
	// ShutdownSubConnCh receives every SubConn the balancer shuts down.
	ShutdownSubConnCh chan *TestSubConn
	// StateCh receives every state+picker the balancer publishes.
	StateCh chan balancer.State
	// ResolveNowCh receives a token per re-resolution request.
	ResolveNowCh chan resolver.ResolveNowOptions

	subConnIdx int
}

// NewTestClientConn creates a TestClientConn.
func NewTestClientConn(t *testing.T) *TestClientConn {
	return &TestClientConn{
		t:                 t,
		NewSubConnCh:      make(chan *TestSubConn, TestSubConnsCount),
		ShutdownSubConnCh: make(chan *TestSubConn, TestSubConnsCount),
		StateCh:           make(chan balancer.State, TestSubConnsCount),
		ResolveNowCh:      make(chan resolver.ResolveNowOptions, TestSubConnsCount),
	}
}

// NewSubConn creates a TestSubConn with the given options.
func (tcc *TestClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	tsc := &TestSubConn{
		tcc:           tcc,
		id:            fmt.Sprintf("sc%d", tcc.subConnIdx),
		Addresses:     addrs,
		ConnectCh:     make(chan struct{}, 1),
		stateListener: opts.StateListener,
	}
	tcc.subConnIdx++
	tcc.t.Logf("testClientConn: NewSubConn(%v)", addrs)
	tcc.NewSubConnCh <- tsc
	return tsc, nil
}

// RemoveSubConn is a no-op; balancers under test call SubConn.Shutdown.
func (tcc *TestClientConn) RemoveSubConn(sc balancer.SubConn) {
	tcc.t.Errorf("testClientConn: RemoveSubConn(%v) called unexpectedly", sc)
}

// UpdateAddresses is a no-op.
func (tcc *TestClientConn) UpdateAddresses(balancer.SubConn, []resolver.Address) {}

// UpdateState records the published state.
func (tcc *TestClientConn) UpdateState(state balancer.State) {
	tcc.t.Logf("testClientConn: UpdateState(%v)", state.ConnectivityState)
	tcc.StateCh <- state
}

// ResolveNow records the re-resolution request.
func (tcc *TestClientConn) ResolveNow(opts resolver.ResolveNowOptions) {
	tcc.ResolveNowCh <- opts
}

// Target returns a fixed test target.
func (tcc *TestClientConn) Target() string {
	return "testutils.target"
}
