// Package config handles configuration loading for wa-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WA_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  pairing_wait: "20s"
//	  reconnect_delay: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database and credentials:
//
//	database:
//	  path: "/var/lib/wa-gateway/gateway.db"
//	credentials:
//	  dir: "/var/lib/wa-gateway/devices"
//
// Session timing:
//
//	sessions:
//	  pairing_wait: "20s"
//	  reconnect_delay: "5s"
//
// Forwarding:
//
//	forwarding:
//	  source: "wa-gateway"
//	  fallback_url: "https://hooks.example.com/wa-fallback"
//	  timeout: "15s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "wa-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/wa-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
