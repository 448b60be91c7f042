// Package sidecar is the HTTP client for the control API that every
// dynamic sidecar exposes on port 8000.
//
// The client is shared by all tracked services; every call takes the
// sidecar endpoint (TrackedServiceContext.Endpoint). Requests carry JSON
// bodies and a per request timeout. A failed dial is retried with the
// exponential backoff from k8s.io/client-go/util/retry. Calls that can be
// repeated safely (status, down, network attach/detach) are also retried
// on timeouts and 5xx answers; calls that change sidecar state are sent
// once. A non 2xx answer is returned as *HTTPError.
package sidecar
