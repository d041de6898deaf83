package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
)

// buildTLSConfig resolves --cert/--cert-fd into a *tls.Config, or nil
// when SSL is disabled or no certificate was supplied (the server then
// behaves as the original does with no cert directory: plaintext only).
func buildTLSConfig(flags *pflag.FlagSet, disableSSL bool) (*tls.Config, error) {
	if disableSSL {
		return nil, nil
	}

	if fd, _ := flags.GetInt("cert-fd"); fd >= 0 {
		cert, err := loadKeyPairFromFD(fd)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	dir, _ := flags.GetString("cert")
	if dir == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "certificate.pem"), filepath.Join(dir, "certificate.pem"))
	if err != nil {
		// Fall back to the more common split cert/key naming.
		cert, err = tls.LoadX509KeyPair(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
		if err != nil {
			return nil, fmt.Errorf("load certificate from %s: %w", dir, err)
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// loadKeyPairFromFD reads a combined certificate+key PEM from an
// inherited file descriptor, the --cert-fd collaborator's contract.
// tls.X509KeyPair happily extracts both blocks from one PEM blob.
func loadKeyPairFromFD(fd int) (tls.Certificate, error) {
	f := os.NewFile(uintptr(fd), "cert-fd")
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read cert-fd %d: %w", fd, err)
	}
	return tls.X509KeyPair(data, data)
}
