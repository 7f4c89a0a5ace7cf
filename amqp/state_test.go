package amqp

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

func ExampleTopology() {
	// To simplify storage and sharing, a topology can be managed either in
	// YAML or JSON format.
	var inYAML = `
exchanges:
- name: sample.tasks
  kind: direct
  durable: true
- name: sample.notifications
  kind: fanout
  durable: true
queues:
- name: tasks
  durable: true
- name: notifications
  durable: true
bindings:
- exchange: sample.notifications
  queue: notifications
- exchange: sample.tasks
  queue: tasks
  routing_key:
  - "high-priority"
  - "low-priority"
`
	var topology Topology
	if err := yaml.Unmarshal([]byte(inYAML), &topology); err != nil {
		panic(err)
	}
	fmt.Println(len(topology.Exchanges), len(topology.Queues), len(topology.Bindings))
	// Output: 2 2 2
}

func ExampleQueueOptions_AsArguments() {
	opts := QueueOptions{
		MaxLength: 100,
		Overflow:  OverflowRejectDL,
	}
	args := opts.AsArguments()
	fmt.Println(args["x-max-length"], args["x-overflow"])
	// Output: 100 reject-publish-dlx
}
