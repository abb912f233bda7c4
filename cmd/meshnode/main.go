// Command meshnode is a reference driver for pkg/mesh.Node: flag/env
// configuration, a passphrase-gated encrypted identity file, start/stop
// wiring, and an optional Prometheus endpoint. It is glue around the core
// library, not the core itself — grounded on the teacher's main.go
// (flag parsing, fatal-on-config-error style, one long-lived process
// blocking until signalled) and env_encrypt.go (Argon2id-sealed secrets
// file).
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/omerta-mesh/mesh/internal/config"
	"github.com/omerta-mesh/mesh/pkg/identity"
	"github.com/omerta-mesh/mesh/pkg/mesh"
)

var identityMagic = []byte("MESHID1")

func main() {
	if err := run(); err != nil {
		log.Fatalf("[meshnode] %v", err)
	}
}

func run() error {
	fs := flag.NewFlagSet("meshnode", flag.ContinueOnError)
	newIdentity := fs.Bool("new-identity", false, "generate a fresh identity file if none exists")
	identityPass := fs.String("identity-pass", os.Getenv("MESH_IDENTITY_PASS"), "passphrase for the identity file (or MESH_IDENTITY_PASS)")

	cfg, err := config.FromFlags(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if *identityPass == "" {
		return errors.New("identity passphrase missing; supply --identity-pass or MESH_IDENTITY_PASS")
	}

	kp, err := loadOrCreateIdentity(cfg.IdentityFile, []byte(*identityPass), *newIdentity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	log.Printf("[meshnode] peer_id=%s", kp.PeerID())

	if len(cfg.NetworkKeys) == 0 {
		return errors.New("no network key configured")
	}

	node, err := mesh.New(kp, mesh.Config{
		ListenAddr:  cfg.ListenAddr,
		NetworkKey:  cfg.NetworkKeys[0],
		STUNServerA: cfg.STUNServerA,
		STUNServerB: cfg.STUNServerB,
	})
	if err != nil {
		return fmt.Errorf("mesh.New: %w", err)
	}

	if _, err := os.Stat(cfg.PeerCacheFile); err == nil {
		if n, err := node.LoadPeerCache(cfg.PeerCacheFile); err == nil {
			log.Printf("[meshnode] restored %d cached peers from %s", n, cfg.PeerCacheFile)
		} else {
			log.Printf("[meshnode] peer cache restore failed: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("node.Start: %w", err)
	}
	node.DiscoverPeers(cfg.Bootstrap)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	go logEvents(node)

	<-ctx.Done()
	log.Printf("[meshnode] shutting down")
	node.Stop()
	if err := node.SavePeerCache(cfg.PeerCacheFile); err != nil {
		log.Printf("[meshnode] peer cache save failed: %v", err)
	}
	return nil
}

func logEvents(node *mesh.Node) {
	for ev := range node.Events() {
		log.Printf("[meshnode] event=%s peer=%s %s", ev.Kind, ev.PeerID, ev.Message)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	log.Printf("[meshnode] metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[meshnode] metrics server: %v", err)
	}
}

// identityPayload is the JSON plaintext sealed into the identity file,
// whose on-disk layout is MAGIC || salt(16) || nonce(24) || ciphertext.
type identityPayload struct {
	Mnemonic string `json:"mnemonic"`
}

func loadOrCreateIdentity(path string, pass []byte, allowCreate bool) (identity.Keypair, error) {
	if _, err := os.Stat(path); err == nil {
		return loadIdentity(path, pass)
	}
	if !allowCreate {
		return identity.Keypair{}, fmt.Errorf("identity file %s does not exist; rerun with --new-identity", path)
	}
	kp, mnemonic, err := identity.Generate()
	if err != nil {
		return identity.Keypair{}, err
	}
	if err := saveIdentity(path, pass, mnemonic); err != nil {
		return identity.Keypair{}, err
	}
	log.Printf("[meshnode] created new identity at %s", path)
	return kp, nil
}

func identityKDF(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

func saveIdentity(path string, pass []byte, mnemonic string) error {
	plain, err := json.Marshal(identityPayload{Mnemonic: mnemonic})
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := identityKDF(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(identityMagic)+len(salt)+len(nonce)+len(ct))
	out = append(out, identityMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return os.WriteFile(path, out, 0o600)
}

func loadIdentity(path string, pass []byte) (identity.Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return identity.Keypair{}, err
	}
	min := len(identityMagic) + 16 + chacha20poly1305.NonceSizeX
	if len(b) < min {
		return identity.Keypair{}, errors.New("identity file too short")
	}
	if string(b[:len(identityMagic)]) != string(identityMagic) {
		return identity.Keypair{}, errors.New("bad identity file magic")
	}
	offset := len(identityMagic)
	salt := b[offset : offset+16]
	offset += 16
	nonce := b[offset : offset+chacha20poly1305.NonceSizeX]
	offset += chacha20poly1305.NonceSizeX
	ct := b[offset:]

	key := identityKDF(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return identity.Keypair{}, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return identity.Keypair{}, errors.New("identity file decrypt failed (wrong passphrase?)")
	}
	var payload identityPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return identity.Keypair{}, err
	}
	return identity.DeriveFrom(payload.Mnemonic)
}
