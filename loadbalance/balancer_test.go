package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	jujuerrors "github.com/juju/errors"

	"wsrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "ws://10.0.0.1:8001/ws", Weight: 10, Version: "1.0"},
	{Addr: "ws://10.0.0.2:8002/ws", Weight: 5, Version: "1.0"},
	{Addr: "ws://10.0.0.3:8003/ws", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	c := qt.New(t)
	b := &RoundRobinBalancer{}

	// Three picks cycle through every instance.
	seen := map[string]bool{}
	results := make([]string, 3)
	for i := range results {
		inst, err := b.Pick(testInstances)
		c.Assert(err, qt.IsNil)
		results[i] = inst.Addr
		seen[inst.Addr] = true
	}
	c.Assert(seen, qt.HasLen, 3)

	// The fourth wraps around to the first.
	inst, err := b.Pick(testInstances)
	c.Assert(err, qt.IsNil)
	c.Assert(inst.Addr, qt.Equals, results[0])
}

func TestEmpty(t *testing.T) {
	c := qt.New(t)
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		_, err := b.Pick(nil)
		c.Check(errors.Is(err, ErrNoInstances), qt.IsTrue, qt.Commentf("%s", b.Name()))
	}
}

func TestWeightedRandom(t *testing.T) {
	c := qt.New(t)
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick(testInstances)
		c.Assert(err, qt.IsNil)
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so the first instance is picked about twice as
	// often as the second.
	ratio := float64(counts[testInstances[0].Addr]) / float64(counts[testInstances[1].Addr])
	c.Assert(ratio > 1.5 && ratio < 2.5, qt.IsTrue, qt.Commentf("ratio %.2f", ratio))
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	c := qt.New(t)
	b := &WeightedRandomBalancer{}

	inst, err := b.Pick([]registry.ServiceInstance{{Addr: "ws://a"}, {Addr: "ws://b"}})
	c.Assert(err, qt.IsNil)
	c.Assert(inst.Addr == "ws://a" || inst.Addr == "ws://b", qt.IsTrue)
}

func TestConsistentHash(t *testing.T) {
	c := qt.New(t)
	b := NewConsistentHashBalancer("")
	for _, inst := range testInstances {
		b.Add(inst)
	}

	inst1, err := b.Locate("user-123")
	c.Assert(err, qt.IsNil)
	inst2, err := b.Locate("user-123")
	c.Assert(err, qt.IsNil)
	c.Assert(inst1.Addr, qt.Equals, inst2.Addr)

	// 100 keys over 3 instances hit at least 2 of them.
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Locate(fmt.Sprintf("key-%d", i))
		c.Assert(err, qt.IsNil)
		seen[inst.Addr] = true
	}
	c.Assert(len(seen) >= 2, qt.IsTrue)
}

func TestConsistentHashRemoveMovesOnlyOwnedKeys(t *testing.T) {
	c := qt.New(t)
	b := NewConsistentHashBalancer("")
	for _, inst := range testInstances {
		b.Add(inst)
	}

	before := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		inst, _ := b.Locate(key)
		before[key] = inst.Addr
	}

	removed := testInstances[1].Addr
	b.Remove(removed)
	for key, addr := range before {
		inst, err := b.Locate(key)
		c.Assert(err, qt.IsNil)
		c.Assert(inst.Addr, qt.Not(qt.Equals), removed)
		if addr != removed {
			c.Assert(inst.Addr, qt.Equals, addr, qt.Commentf("key %s moved", key))
		}
	}
}

func TestConsistentHashPickIsSticky(t *testing.T) {
	c := qt.New(t)
	b := NewConsistentHashBalancer("client-7")

	first, err := b.Pick(testInstances)
	c.Assert(err, qt.IsNil)
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		c.Assert(err, qt.IsNil)
		c.Assert(inst.Addr, qt.Equals, first.Addr)
	}
}

func TestNew(t *testing.T) {
	c := qt.New(t)
	for name, want := range map[string]string{
		"":                "round-robin",
		"round-robin":     "round-robin",
		"weighted-random": "weighted-random",
		"consistent-hash": "consistent-hash",
	} {
		b, err := New(name, "k")
		c.Assert(err, qt.IsNil)
		c.Assert(b.Name(), qt.Equals, want)
	}
	_, err := New("random", "")
	c.Assert(jujuerrors.IsNotValid(err), qt.IsTrue)
}
