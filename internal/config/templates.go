package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "fanserial"
addr = ":7420"
version = "1.0.0"
stop_timeout = "10s"
compress_threshold = 1024
metrics_addr = ""

session_handshake_timeout = "5s"
session_idle_timeout = "0s"
session_write_timeout = "15s"
session_max_message_bytes = 8388608

# plain | anonymous | verified
session_security_mode = "plain"
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
`

const clientTemplate = `addr = "127.0.0.1:7420"
version = "1.0.0"
request_timeout = "30s"
compress_threshold = 1024

session_connect_timeout = "5s"
session_read_timeout = "30s"
session_max_connect_attempts = 3

# plain | anonymous | verified
session_security_mode = "plain"
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
session_tls_server_name = ""
`
