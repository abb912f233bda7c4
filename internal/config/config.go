// Package config is the typed configuration surface for a mesh node,
// populated from flags/environment by cmd/meshnode. Grounded on the
// teacher's Config struct in config.go, generalized from LAN multicast
// discovery settings to the spec's network-key, bootstrap-peer, and
// rendezvous-server settings.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// Config is everything needed to start a Node.
type Config struct {
	ListenAddr     string
	NetworkKeys    []meshtypes.NetworkKey
	Bootstrap      map[meshtypes.PeerId]meshtypes.Endpoint
	STUNServerA    string
	STUNServerB    string
	GossipInterval time.Duration
	IdentityFile   string
	PeerCacheFile  string
	MetricsAddr    string
}

// Default returns a Config with the teacher's style of sane defaults for
// every field a user doesn't override.
func Default() Config {
	return Config{
		ListenAddr:     "0.0.0.0:0",
		GossipInterval: 30 * time.Second,
		STUNServerA:    "stun1.example.org:3478",
		STUNServerB:    "stun2.example.org:3478",
		IdentityFile:   "identity.enc",
		PeerCacheFile:  "peers.enc",
		MetricsAddr:    "127.0.0.1:9477",
		Bootstrap:      map[meshtypes.PeerId]meshtypes.Endpoint{},
	}
}

// FromFlags parses a Config from a dedicated FlagSet (so callers control
// the program name and error handling) plus environment fallbacks for the
// network key, matching the teacher's envPort-style precedence: flag wins
// if set, else environment, else default.
func FromFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	listen := fs.String("listen", cfg.ListenAddr, "UDP address to listen on")
	networkKeyB64 := fs.String("network-key", os.Getenv("MESH_NETWORK_KEY"), "base64-encoded 32-byte network key")
	bootstrap := fs.String("bootstrap", "", "comma-separated peer_id@host:port bootstrap list")
	stunA := fs.String("stun-a", cfg.STUNServerA, "first STUN-like rendezvous server")
	stunB := fs.String("stun-b", cfg.STUNServerB, "second STUN-like rendezvous server")
	identityFile := fs.String("identity-file", cfg.IdentityFile, "path to the encrypted identity file")
	peerCacheFile := fs.String("peer-cache-file", cfg.PeerCacheFile, "path to the encrypted peer cache snapshot")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listen
	cfg.STUNServerA = *stunA
	cfg.STUNServerB = *stunB
	cfg.IdentityFile = *identityFile
	cfg.PeerCacheFile = *peerCacheFile
	cfg.MetricsAddr = *metricsAddr

	if *networkKeyB64 == "" {
		return Config{}, meshtypes.NewError(meshtypes.ErrConfiguration, meshtypes.CodeInvalidNetworkKey, "no network key provided (use -network-key or MESH_NETWORK_KEY)", nil)
	}
	key, err := parseNetworkKey(*networkKeyB64)
	if err != nil {
		return Config{}, err
	}
	cfg.NetworkKeys = []meshtypes.NetworkKey{key}

	boot, err := parseBootstrap(*bootstrap)
	if err != nil {
		return Config{}, err
	}
	cfg.Bootstrap = boot

	return cfg, nil
}

func parseNetworkKey(b64 string) (meshtypes.NetworkKey, error) {
	var key meshtypes.NetworkKey
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return key, meshtypes.NewError(meshtypes.ErrConfiguration, meshtypes.CodeInvalidNetworkKey, "network key is not valid base64", err)
	}
	if len(raw) != len(key) {
		return key, meshtypes.NewError(meshtypes.ErrConfiguration, meshtypes.CodeInvalidNetworkKey, fmt.Sprintf("network key must be %d bytes, got %d", len(key), len(raw)), nil)
	}
	copy(key[:], raw)
	return key, nil
}

func parseBootstrap(spec string) (map[meshtypes.PeerId]meshtypes.Endpoint, error) {
	out := map[meshtypes.PeerId]meshtypes.Endpoint{}
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, meshtypes.NewError(meshtypes.ErrConfiguration, meshtypes.CodeMalformedBootstrap, fmt.Sprintf("bootstrap entry %q must be peer_id@host:port", entry), nil)
		}
		out[meshtypes.PeerId(parts[0])] = meshtypes.Endpoint(parts[1])
	}
	return out, nil
}
