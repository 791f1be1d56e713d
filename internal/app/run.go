// Package app assembles the node: storage, transport, discovery,
// signaling, calls and the presence lifecycle, wired from one config.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/lanlink/internal/call"
	"github.com/petervdpas/lanlink/internal/config"
	"github.com/petervdpas/lanlink/internal/discovery"
	"github.com/petervdpas/lanlink/internal/identity"
	"github.com/petervdpas/lanlink/internal/presence"
	"github.com/petervdpas/lanlink/internal/roster"
	"github.com/petervdpas/lanlink/internal/signal"
	"github.com/petervdpas/lanlink/internal/storage"
	"github.com/petervdpas/lanlink/internal/transport"
	"github.com/petervdpas/lanlink/internal/util"
)

type Options struct {
	// BaseDir anchors relative paths from the config (data dir).
	BaseDir string
	CfgPath string
	Cfg     config.Config
}

// Node is a fully wired lanlink peer.
type Node struct {
	SessionID string

	Store    *storage.DB
	Roster   *roster.Roster
	Router   *signal.Router
	Calls    *call.Manager
	Presence *presence.Controller
	Logs     *util.LogBuffer
}

// Build wires all subsystems without going online.
func Build(opt Options) (*Node, error) {
	cfg := opt.Cfg

	// Keep a tail of the log in memory alongside stderr.
	logs := util.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	dataDir := util.ResolvePath(opt.BaseDir, cfg.Storage.DataDir)
	sessionID, err := loadSessionID(dataDir)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	deviceID := discovery.DeviceID()
	deviceName := discovery.DeviceName()

	log.Printf("APP: session %s device %q (%s)", sessionID, deviceName, deviceID)

	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ids := identity.NewMap()
	peers := roster.New()
	trans := transport.NewWS()
	router := signal.New(signal.Profile{
		SessionID:  sessionID,
		Username:   cfg.Profile.Username,
		AvatarURL:  cfg.Profile.AvatarURL,
		DeviceID:   deviceID,
		DeviceName: deviceName,
	}, ids, peers, db, trans)

	disc, err := buildDiscovery(cfg, sessionID, deviceID)
	if err != nil {
		db.Close()
		return nil, err
	}

	calls := call.New(router, func() string { return cfg.Profile.Username }, call.NewPionNegotiator)
	router.SetCallHandler(calls)

	ctrl := presence.New(presence.Options{
		ListenPort:    cfg.Network.ListenPort,
		AdvertiseName: cfg.Profile.Username,
		ServiceType:   serviceTypeOf(cfg.Network.MdnsTag),
		StaleAfter:    time.Duration(cfg.Presence.StaleSec) * time.Second,
		SweepEvery:    time.Duration(cfg.Presence.SweepSec) * time.Second,
		ProfilePath:   opt.CfgPath,
		ReloadProfile: func() (signal.Profile, error) {
			fresh, err := config.Load(opt.CfgPath)
			if err != nil {
				return signal.Profile{}, err
			}
			// Only the announced profile fields follow the file; the
			// session id stays pinned to the peer directory.
			return signal.Profile{
				SessionID:  sessionID,
				Username:   fresh.Profile.Username,
				AvatarURL:  fresh.Profile.AvatarURL,
				DeviceID:   deviceID,
				DeviceName: deviceName,
			}, nil
		},
	}, ids, peers, db, trans, router, disc, calls)

	return &Node{
		SessionID: sessionID,
		Store:     db,
		Roster:    peers,
		Router:    router,
		Calls:     calls,
		Presence:  ctrl,
		Logs:      logs,
	}, nil
}

// loadSessionID reads the profile's session id, generating one on
// first run. It is stable per peer directory; the stable device id
// covers reinstalls that lose it.
func loadSessionID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "session-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// buildDiscovery picks mDNS, a static peer list, or both combined.
func buildDiscovery(cfg config.Config, sessionID, deviceID string) (discovery.Service, error) {
	var static []discovery.DiscoveredPeer
	for _, raw := range cfg.Network.StaticPeers {
		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("static peer %q: %w", raw, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("static peer %q: %w", raw, err)
		}
		static = append(static, discovery.DiscoveredPeer{IP: host, Port: port})
	}

	mdns := discovery.NewZeroconf(sessionID, deviceID, serviceTypeOf(cfg.Network.MdnsTag))
	if cfg.Network.MdnsDisabled {
		return discovery.NewStatic(mdns.LocalAddress(), static...), nil
	}
	if len(static) > 0 {
		return discovery.Combine(mdns, discovery.NewStatic(mdns.LocalAddress(), static...)), nil
	}
	return mdns, nil
}

// serviceTypeOf maps the config tag to an mDNS service type. The
// default tag produces the standard "_lanlink._tcp".
func serviceTypeOf(tag string) string {
	if tag == "" {
		return ""
	}
	return fmt.Sprintf("_%s._tcp", tag)
}

// Run builds the node, goes online and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	node, err := Build(opt)
	if err != nil {
		return err
	}
	defer node.Store.Close()

	if err := node.Presence.Online(); err != nil {
		return err
	}

	<-ctx.Done()
	node.Presence.Offline()
	return nil
}
