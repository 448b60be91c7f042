/*
Package types defines the data model of the dynamic service scheduler.

The central type is TrackedServiceContext. It holds the static description
of one dynamic service (node id, derived names, resources, compose spec,
paths) together with SidecarState, the state observed on the platform.

# Lifecycle

	┌──────────┐  MarkFailing   ┌──────────┐  save failed  ┌────────────────────┐
	│ ok       │ ─────────────▶ │ failing  │ ────────────▶ │ waiting for manual │
	└──────────┘                └──────────┘               │ intervention       │
	     │ MarkToRemove              │ removal ok           └────────────────────┘
	     ▼                           ▼                              │ stack gone
	┌──────────┐   removal ok   ┌──────────┐ ◀──────────────────────┘
	│ removing │ ─────────────▶ │ removed  │
	└──────────┘                └──────────┘

LifecycleStatus and RemovalIntent are only changed through their methods.
The booleans that can be derived from other fields (ComposeSpecSubmitted,
ContainersCreated, AllContainersRunning) are computed on read.

# Naming

Service, proxy and network names are a pure function of a role prefix and
the node id, truncated to 63 characters:

	AssembleServiceName("dy-sidecar", "2b4e...") == "dy-sidecar_2b4e..."

# Labels

The full context is stored on the sidecar container as labels so that a
restarted scheduler can rebuild its registry. EncodeLabels writes the JSON
document gzipped and base64 encoded, split across numbered labels:

	io.dynsched.type           = dynamic-sidecar
	io.dynsched.node-id        = <node id>
	io.dynsched.context.chunks = 2
	io.dynsched.context.0      = H4sIAAAA...
	io.dynsched.context.1      = ...

DecodeLabels reverses this.
*/
package types
