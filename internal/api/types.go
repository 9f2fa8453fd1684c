package api

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string         `json:"status"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	Sessions          map[string]int `json:"sessions"`
	ConfigFingerprint string         `json:"config_fingerprint,omitempty"`
}
