/*
Package runtime is the containerd-backed orchestration platform.

A dynamic service runs as a small stack of containers in the dynsched
namespace:

	┌──────────────────────── stack of node <id> ────────────────────────┐
	│                                                                    │
	│  dy-sidecar_<id>   sidecar image, control API on :8000             │
	│                    labels: io.dynsched.type=dynamic-sidecar        │
	│                            io.dynsched.context.N=<context chunk>   │
	│                    mounts: inputs, outputs, state paths            │
	│                                                                    │
	│  dy-proxy_<id>     optional proxy in front of the user services    │
	│                    labels: io.dynsched.type=dynamic-proxy          │
	│                                                                    │
	└────────────────────────────────────────────────────────────────────┘

The sidecar container labels are the only persistent copy of a service
context. SaveContext rewrites them after every observation that changed
the context, and ListContexts reads them back when the scheduler starts.

Stopping a task follows the usual sequence: SIGTERM, wait for the grace
period, then SIGKILL. Containers that are already gone count as removed,
so RemoveStack can be retried safely.

Networking between the scheduler and the sidecar (resolving
dy-sidecar_<id>) is expected from the host CNI setup.
*/
package runtime
