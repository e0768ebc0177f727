package config

import (
	"fmt"
	"os"
)

// Template returns a commented starting configuration.
func Template() string {
	return template
}

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `# linkctl configuration
device_name = "pixel"
device_type = "mobile"
platform = "android"
user_entity_id = "user"
# state_dir = "/home/me/.config/linkctl"

pairing_endpoint = "desktop.local:8443"
# secure | trusted-pinned | plaintext
pairing_security = "secure"

[timeouts]
connect = "10s"
confirm = "30s"
session_init = "15s"

[reconnect]
schedule = ["1s", "2s", "4s", "8s", "16s", "30s"]

[session_retry]
initial = "1s"
multiplier = 2.0
max = "10s"
max_attempts = 3

[sync]
tables = ["character_profiles", "chat_sessions", "chat_messages", "user_settings"]
`
