package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is written by InitConfig. It mirrors GetDefaultConfig.
const sampleConfig = `# DittoSock Configuration File
#
# Every setting can be overridden with an environment variable:
# DITTOSOCK_<SECTION>_<KEY>, e.g. DITTOSOCK_LOGGING_LEVEL=DEBUG

logging:
  # DEBUG, INFO, WARN or ERROR
  level: "INFO"
  # text or json
  format: "text"
  # stdout, stderr or a file path
  output: "stdout"

server:
  shutdown_timeout: 30s
  # How often handlers past their stage timeout are closed
  reap_interval: 1s
  # 0 disables periodic connection count logging
  metrics_log_interval: 0s

buffers:
  # Size of each rx/tx buffer fragment
  fragment_size: 4096
  # sync (tiered sync.Pool) or bounded (fixed free list)
  pool: "sync"
  # Free list size of the bounded pool
  max_free_fragments: 1024

handlers:
  poll_interval: 500ms
  max_capture_queue: 64
  # 0 leaves stage timeouts to the protocols
  initial_timeout: 0s

tls:
  # Host name of the certificate TLS listeners present
  hostname: "localhost"
  store:
    # memory, badger or s3
    type: "memory"
    memory:
      validity: 8760h
      organization: "DittoSock"
    badger:
      db_path: "/tmp/dittosock-certs"
    s3:
      region: "us-east-1"
      bucket: "dittosock-certs"
      key_prefix: "certs/"
      # endpoint: "http://localhost:9000"
      # access_key_id: ""
      # secret_access_key: ""

listeners:
  - name: "http"
    protocol: "http"
    port: 8080
    tls: false
    # 0 means unlimited
    max_connections: 0
    accept_rate: 0
    http:
      header_timeout: 10s
      keep_alive_timeout: 60s
      max_header_bytes: 65536
      max_body_bytes: 10485760
      # response_charset: "iso-8859-1"

  - name: "mpx"
    protocol: "mpx"
    port: 7070
    max_connections: 1000
    # Kernel socket buffer sizes, 0 keeps the system default
    read_buffer: 0
    write_buffer: 0
    # no_delay: true
    mpx:
      magic: "MPX1"
      high_watermark: 262144
      low_watermark: 65536
      max_frame_size: 65536
      handshake_timeout: 10s

metrics:
  enabled: false
  port: 9090
`

// InitConfig writes a sample configuration file to the default location.
//
// Returns the path of the written file. An existing file is only replaced
// when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
