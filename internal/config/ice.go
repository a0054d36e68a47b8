package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

const (
	envVarICEServersJSON = "PROBE_ICE_SERVERS_JSON"
	envVarSTUNURLs       = "PROBE_STUN_URLS"
	envVarTURNURLs       = "PROBE_TURN_URLS"
	envVarTURNUsername   = "PROBE_TURN_USERNAME"
	envVarTURNCredential = "PROBE_TURN_CREDENTIAL"
)

// iceSettings is the probe's ICE server environment. PROBE_ICE_SERVERS_JSON
// wins over the convenience variables when both are set.
type iceSettings struct {
	ServersJSON    string   `env:"PROBE_ICE_SERVERS_JSON"`
	STUNURLs       []string `env:"PROBE_STUN_URLS" envSeparator:","`
	TURNURLs       []string `env:"PROBE_TURN_URLS" envSeparator:","`
	TURNUsername   string   `env:"PROBE_TURN_USERNAME"`
	TURNCredential string   `env:"PROBE_TURN_CREDENTIAL"`
}

// LoadICEServers reads the probe's ICE servers from the process environment.
// An empty result means host candidates only.
func LoadICEServers() ([]webrtc.ICEServer, error) {
	return loadICEServers(env.ToMap(os.Environ()))
}

func loadICEServers(environ map[string]string) ([]webrtc.ICEServer, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	var raw iceSettings
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return nil, envError(raw, err)
	}

	if s := strings.TrimSpace(raw.ServersJSON); s != "" {
		servers, err := ParseICEServersJSON(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := compact(raw.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarSTUNURLs, err)
		}
		servers = append(servers, server)
	}
	if turn := compact(raw.TURNURLs); len(turn) > 0 {
		user := strings.TrimSpace(raw.TURNUsername)
		cred := strings.TrimSpace(raw.TURNCredential)
		if user == "" || cred == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envVarTURNUsername, envVarTURNCredential, envVarTURNURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: user, Credential: cred}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envVarTURNURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both forms RTCIceServer.urls allows.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser style RTCIceServer array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, s := range servers {
		server := webrtc.ICEServer{
			URLs:     compact(s.URLs),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if needsCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}
