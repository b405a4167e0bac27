package nanny

// PeerCredentials is the platform-independent view of a Unix domain socket
// peer's identity, used to verify a control-socket connection actually
// comes from the child process the ClusterSupervisor spawned.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32 // may be 0 on platforms that don't report it (e.g. macOS)
}
