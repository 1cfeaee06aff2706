package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "driver":
		return driverTemplate, nil
	case "simulator":
		return simulatorTemplate, nil
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

const driverTemplate = `# hardware | emulated | software
backend = "software"
ctrl_timeout = "5s"

[network]
ip = "10.0.0.1"
gateway = "10.0.0.254"
netmask = "255.255.255.0"
mac = "02:00:0a:00:00:01"

[retry]
enabled = true
max_retry = 3
retry_timeout = "1s"
# keep at or below 1% of retry_timeout
checking_interval = "10ms"

[ring]
depth = 128

[software]
listen_addr = "0.0.0.0:4791"
peer_port = 4791
queue_depth = 1024
drop_rate = 0.0
seed = 1

[[software.peers]]
ip = "10.0.0.2"
addr = "127.0.0.1:4792"

[log]
level = "info"
file = ""

[metrics]
listen_addr = "127.0.0.1:9464"
cors_origins = ["http://localhost:3000"]
# bearer token required on every admin route except /health; empty disables
token = ""
`

const simulatorTemplate = `backend = "emulated"

[network]
ip = "10.0.0.1"
mac = "02:00:0a:00:00:01"

[retry]
max_retry = 5
retry_timeout = "2s"
checking_interval = "20ms"

[ring]
depth = 128

[emulated]
rpc_addr = "127.0.0.1:9876"
shared_mem = "/dev/shm/openrdma-sim"
rpc_timeout = "2s"

[log]
level = "debug"
`
