package version

const (
	// ProtocolVersion is the wire protocol revision, served as isolate.v1.
	ProtocolVersion = "v1"
	// CoreVersion tracks overall core semantics; bump when behavior changes.
	CoreVersion = "v0.1.0"
)

// UserAgent identifies isolate clients to servers.
func UserAgent() string { return "isolate/" + CoreVersion }
