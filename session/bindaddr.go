package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBindAddr is assumed when the config document has no
// modules.api-gateway.config.bind_addr entry.
const DefaultBindAddr = "127.0.0.1:8080"

// resolveBindPort reads the API gateway bind address out of the workspace
// config document and returns its port.
func resolveBindPort(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, NewConfigError(path, err)
	}

	var doc struct {
		Modules struct {
			APIGateway struct {
				Config struct {
					BindAddr string `yaml:"bind_addr"`
				} `yaml:"config"`
			} `yaml:"api-gateway"`
		} `yaml:"modules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, NewConfigError(path, err)
	}

	addr := doc.Modules.APIGateway.Config.BindAddr
	if addr == "" {
		addr = DefaultBindAddr
	}
	port, err := portFromBindAddr(addr)
	if err != nil {
		return 0, NewConfigError(path, err)
	}
	return port, nil
}

// portFromBindAddr extracts the port from a host:port value; the host part
// may itself contain colons (IPv6), so the split is on the last one.
func portFromBindAddr(addr string) (int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("invalid bind_addr format: %s", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("invalid port number in bind_addr: %s", addr)
	}
	return port, nil
}
