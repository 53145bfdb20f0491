package signaling

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// turnAuth is the credential delivery payload.
type turnAuth struct {
	TurnAuthServers []struct {
		Urls       []string `json:"Urls"`
		Username   string   `json:"Username"`
		Password   string   `json:"Password"`
		Credential string   `json:"Credential"`
	} `json:"TurnAuthServers"`
}

var iceURLPattern = regexp.MustCompile(`(?i)^(stuns?|turns?)(?::\/\/|:)?([^:?\s]+)(?::(\d+))?(?:\?(.*))?$`)

type iceURL struct {
	scheme    string
	host      string
	port      int
	transport string
}

func (u iceURL) isTurn() bool { return strings.HasPrefix(u.scheme, "turn") }

func (u iceURL) String() string {
	base := fmt.Sprintf("%s:%s:%d", u.scheme, u.host, u.port)
	if !u.isTurn() {
		return base
	}
	return base + "?transport=" + u.transport
}

func defaultPort(scheme string) int {
	if scheme == "stuns" || scheme == "turns" {
		return 5349
	}
	return 3478
}

func parseICEURL(raw string) (iceURL, bool) {
	m := iceURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return iceURL{}, false
	}
	u := iceURL{scheme: strings.ToLower(m[1]), host: m[2], port: defaultPort(strings.ToLower(m[1]))}
	if m[3] != "" {
		p, err := strconv.Atoi(m[3])
		if err != nil || p <= 0 || p > 65535 {
			return iceURL{}, false
		}
		u.port = p
	}
	u.transport = "udp"
	if u.isTurn() {
		for _, kv := range strings.Split(m[4], "&") {
			if v, ok := strings.CutPrefix(kv, "transport="); ok && v != "" {
				u.transport = strings.ToLower(v)
			}
		}
	}
	return u, true
}

// ParseICEServers turns a credential delivery payload into ICE servers. TURN
// URLs are also offered over UDP and as TURNS on 5349 so the agent can pick
// whichever path works. Unparseable URLs are skipped.
func ParseICEServers(data []byte) ([]webrtc.ICEServer, error) {
	var auth turnAuth
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse turn servers: %w", err)
	}

	var servers []webrtc.ICEServer
	seen := make(map[string]bool)
	for _, srv := range auth.TurnAuthServers {
		credential := srv.Password
		if credential == "" {
			credential = srv.Credential
		}
		for _, raw := range srv.Urls {
			u, ok := parseICEURL(raw)
			if !ok {
				continue
			}
			variants := []iceURL{u}
			if u.isTurn() {
				if u.transport != "tcp" {
					udp := u
					udp.transport = "udp"
					variants = append(variants, udp)
				}
				if u.scheme != "turns" {
					variants = append(variants, iceURL{scheme: "turns", host: u.host, port: 5349, transport: "udp"})
				}
			}
			for _, v := range variants {
				s := v.String()
				if seen[s] {
					continue
				}
				seen[s] = true
				if v.isTurn() {
					servers = append(servers, webrtc.ICEServer{
						URLs:       []string{s},
						Username:   srv.Username,
						Credential: credential,
					})
				} else {
					servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
				}
			}
		}
	}
	return servers, nil
}
