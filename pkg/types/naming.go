package types

const (
	SidecarPrefix = "dy-sidecar"
	ProxyPrefix   = "dy-proxy"
	NetworkPrefix = "dy-net"

	// DefaultSidecarPort is where the sidecar API listens
	DefaultSidecarPort = 8000

	// maxNameLength is the DNS label limit platforms enforce on names
	maxNameLength = 63
)

// AssembleServiceName joins prefix and node id. The result depends only on
// its inputs and never exceeds 63 characters.
func AssembleServiceName(prefix, nodeID string) string {
	name := prefix + "_" + nodeID
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// AssembleNetworkName names the private network of a sidecar stack
func AssembleNetworkName(nodeID string) string {
	return AssembleServiceName(NetworkPrefix, nodeID)
}
