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

package roundrobin_test

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/resolver/manual"

	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/csapuntz/grpc/balancer/roundrobin"
	rrutil "github.com/csapuntz/grpc/internal/testutils/roundrobin"
)

func init() {
	// The grpc package's built-in round_robin policy registers after this
	// module's init and takes over the name. The test package initializes
	// after every imported package, so re-registering here guarantees the
	// channels below build this module's policy.
	roundrobin.Register()
}

const defaultTestTimeout = 10 * time.Second

const rrServiceConfig = `{"loadBalancingConfig": [{"round_robin":{}}]}`

// TestBuilderRegistration verifies that this module's builder owns the
// round_robin registry entry even with the grpc package's built-in policy
// linked into the test binary.
func TestBuilderRegistration(t *testing.T) {
	const want = "github.com/csapuntz/grpc/balancer/roundrobin"
	b := balancer.Get(roundrobin.Name)
	if b == nil {
		t.Fatalf("balancer.Get(%q) = nil, want a registered builder", roundrobin.Name)
	}
	if got := reflect.TypeOf(b).PkgPath(); got != want {
		t.Fatalf("balancer.Get(%q) built in package %q, want %q", roundrobin.Name, got, want)
	}
}

// startBackends brings up count gRPC servers serving the standard health
// service and returns their addresses. The servers are torn down via
// t.Cleanup.
func startBackends(t *testing.T, count int) []resolver.Address {
	t.Helper()
	addrs := make([]resolver.Address, count)
	for i := 0; i < count; i++ {
		lis, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatalf("net.Listen() failed: %v", err)
		}
		s := grpc.NewServer()
		healthgrpc.RegisterHealthServer(s, health.NewServer())
		go s.Serve(lis)
		t.Cleanup(s.Stop)
		addrs[i] = resolver.Address{Addr: lis.Addr().String()}
	}
	return addrs
}

// setupClient creates a channel configured for round_robin, pointed at a
// manual resolver seeded with addrs.
func setupClient(t *testing.T, addrs []resolver.Address) (healthgrpc.HealthClient, *manual.Resolver) {
	t.Helper()
	r := manual.NewBuilderWithScheme("whatever")
	r.InitialState(resolver.State{Addresses: addrs})
	cc, err := grpc.NewClient(r.Scheme()+":///test.server",
		grpc.WithResolvers(r),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultServiceConfig(rrServiceConfig),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() failed: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return healthgrpc.NewHealthClient(cc), r
}

// TestRoundRobinE2E verifies that RPCs on a channel configured for
// round_robin are spread evenly across all backends.
func TestRoundRobinE2E(t *testing.T) {
	addrs := startBackends(t, 3)
	client, _ := setupClient(t, addrs)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()
	if err := rrutil.CheckRoundRobinRPCs(ctx, client, addrs); err != nil {
		t.Fatal(err)
	}
}

// TestRoundRobinE2E_AddressListUpdate verifies the generation handoff on a
// live channel: after the resolver shrinks the address list, the rotation
// narrows to the remaining backends without dropping RPCs on the floor.
func TestRoundRobinE2E_AddressListUpdate(t *testing.T) {
	addrs := startBackends(t, 3)
	client, r := setupClient(t, addrs)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()
	if err := rrutil.CheckRoundRobinRPCs(ctx, client, addrs); err != nil {
		t.Fatal(err)
	}

	r.UpdateState(resolver.State{Addresses: addrs[:2]})
	if err := rrutil.CheckRoundRobinRPCs(ctx, client, addrs[:2]); err != nil {
		t.Fatal(err)
	}
}
