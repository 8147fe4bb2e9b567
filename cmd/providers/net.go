package providers

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SplitListenAddr splits a listen address into network and address.
// "unix:/run/fleet.sock" selects a unix socket, anything else is TCP.
func SplitListenAddr(addr string) (network, address string) {
	if path := strings.TrimPrefix(addr, "unix:"); path != addr {
		return "unix", path
	}
	return "tcp", addr
}

// Listen opens a listener, replacing stale unix sockets left by a previous process.
func Listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}
	stat, err := os.Lstat(address)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case stat.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("existing file is not a socket: %s", address)
	default:
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	return net.Listen("unix", address)
}

// MustListen wraps Listen, and calls log.Fatal() if listening fails.
func MustListen(log *zap.Logger, network, address string) net.Listener {
	fields := []zap.Field{
		zap.String("listen.net", network),
		zap.String("listen.addr", address),
	}
	log.Info("Starting server", fields...)
	sock, err := Listen(network, address)
	if err != nil {
		log.Fatal("Listener failed", append(fields, zap.Error(err))...)
	}
	return sock
}

// Server is a network server that can be stopped.
type Server interface {
	Serve(sock net.Listener) error
	Stop()
}

// LifecycleServe runs server on sock while the app is running.
func LifecycleServe(log *zap.Logger, lc fx.Lifecycle, sock net.Listener, server Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.Serve(sock); err != nil {
					log.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			server.Stop()
			return nil
		},
	})
}
