package logger

// Standard field keys. Use them consistently so log queries work across
// backends.
const (
	KeyBackend   = "backend"
	KeyOperation = "operation"
	KeySession   = "session"
	KeyDrive     = "drive"
	KeyPath      = "path"
	KeySrcPath   = "src_path"
	KeyDestPath  = "dest_path"
	KeyTarget    = "target"
	KeyStep      = "step"
	KeyProgress  = "progress"
	KeyCode      = "error_code"
	KeyError     = "error"
	KeyDuration  = "duration_ms"
	KeyPeer      = "peer_uid"
)
