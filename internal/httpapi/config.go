package httpapi

const defaultMaxBodyBytes int64 = 8 << 20

// maxBodyBytes caps JSON request bodies. Control signals travel inline, so
// the default is larger than a plain prompt needs.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes sets the request body cap; non-positive restores the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// streamTimeout bounds a streamed (synchronous) generation in seconds.
// Zero leaves it to the connection.
var streamTimeout int64

// SetStreamTimeoutSeconds sets the streamed generation timeout (0 disables).
func SetStreamTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	streamTimeout = sec
}

// CORS is opt-in; when disabled no CORS middleware is mounted.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS for muxes built afterwards.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
