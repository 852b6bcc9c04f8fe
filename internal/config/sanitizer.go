package config

import "encoding/json"

const redactionValue = "***REDACTED***"

// Sanitize returns a deep copy of cfg with every secret-bearing field
// replaced, safe to log or hand to an admin export. Grounded on the
// teacher's DefaultConfigSanitizer, narrowed to this system's actual
// secret fields: the two proxy-facing tokens and the admin password.
func Sanitize(cfg *Config) *Config {
	sanitized := deepCopy(cfg)
	if sanitized.Runtime.ProxyAPIToken != "" {
		sanitized.Runtime.ProxyAPIToken = redactionValue
	}
	if sanitized.Runtime.FreeModelAPIToken != "" {
		sanitized.Runtime.FreeModelAPIToken = redactionValue
	}
	if sanitized.Runtime.AdminPassword != "" {
		sanitized.Runtime.AdminPassword = redactionValue
	}
	return sanitized
}

func deepCopy(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var cp Config
	if err := json.Unmarshal(data, &cp); err != nil {
		return cfg
	}
	return &cp
}
