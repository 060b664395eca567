// Package config reads the relay's startup configuration from the process
// environment: bind address, key material, backend hostname, and the
// optional thread/buffer-sizing overrides.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/crypto/curve25519"

	"github.com/networknext/next-sub003/internal/relaycrypto"
)

const (
	defaultSendBufferSize = 1024 * 1024
	defaultRecvBufferSize = 1024 * 1024
)

// Config is the relay's fully validated startup configuration.
type Config struct {
	BindAddress string

	RelayPublicKey   [relaycrypto.KeySize]byte
	RelayPrivateKey  [relaycrypto.KeySize]byte
	BackendPublicKey [relaycrypto.KeySize]byte

	BackendHostname string

	MaxCores       int
	SendBufferSize int
	RecvBufferSize int
}

// Load reads and validates every required environment variable, applying
// defaults for the optional ones.
func Load() (*Config, error) {
	bindAddress := os.Getenv("RELAY_BIND_ADDRESS")
	if bindAddress == "" {
		return nil, fmt.Errorf("config: RELAY_BIND_ADDRESS is required")
	}

	backendHostname := os.Getenv("RELAY_BACKEND_HOSTNAME")
	if backendHostname == "" {
		return nil, fmt.Errorf("config: RELAY_BACKEND_HOSTNAME is required")
	}

	relayPub, err := decodeKey("RELAY_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}
	relayPriv, err := decodeKey("RELAY_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	backendPub, err := decodeKey("RELAY_BACKEND_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}

	if err := validatePublicKey(relayPub); err != nil {
		return nil, fmt.Errorf("config: RELAY_PUBLIC_KEY: %w", err)
	}
	if err := validatePublicKey(backendPub); err != nil {
		return nil, fmt.Errorf("config: RELAY_BACKEND_PUBLIC_KEY: %w", err)
	}

	maxCores := runtime.NumCPU()
	if v := os.Getenv("RELAY_MAX_CORES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: RELAY_MAX_CORES must be a positive integer, got %q", v)
		}
		maxCores = n
	}

	sendBufferSize, err := positiveIntEnv("RELAY_SEND_BUFFER_SIZE", defaultSendBufferSize)
	if err != nil {
		return nil, err
	}
	recvBufferSize, err := positiveIntEnv("RELAY_RECV_BUFFER_SIZE", defaultRecvBufferSize)
	if err != nil {
		return nil, err
	}

	return &Config{
		BindAddress:      bindAddress,
		RelayPublicKey:   relayPub,
		RelayPrivateKey:  relayPriv,
		BackendPublicKey: backendPub,
		BackendHostname:  backendHostname,
		MaxCores:         maxCores,
		SendBufferSize:   sendBufferSize,
		RecvBufferSize:   recvBufferSize,
	}, nil
}

func positiveIntEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

func decodeKey(env string) ([relaycrypto.KeySize]byte, error) {
	var out [relaycrypto.KeySize]byte
	raw := os.Getenv(env)
	if raw == "" {
		return out, fmt.Errorf("config: %s is required", env)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("config: %s is not valid base64: %w", env, err)
	}
	if len(decoded) != relaycrypto.KeySize {
		return out, fmt.Errorf("config: %s must decode to %d bytes, got %d", env, relaycrypto.KeySize, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// validatePublicKey rejects an all-zero or otherwise low-order Curve25519
// point: X25519 against a fresh random scalar must not collapse to the
// all-zero shared secret, the same sanity check a Diffie-Hellman exchange
// with this key would need to defend against.
func validatePublicKey(pub [relaycrypto.KeySize]byte) error {
	var zero [relaycrypto.KeySize]byte
	if pub == zero {
		return fmt.Errorf("key is all-zero")
	}

	var scalar [relaycrypto.KeySize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return fmt.Errorf("generate probe scalar: %w", err)
	}
	shared, err := curve25519.X25519(scalar[:], pub[:])
	if err != nil {
		return fmt.Errorf("key is a low-order point: %w", err)
	}
	allZero := true
	for _, b := range shared {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("key is a low-order point")
	}
	return nil
}
