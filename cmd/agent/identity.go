package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const (
	machineIDFile = "machine-id"
	secretFile    = "agent.secret"
)

// identity is what the agent presents in its register frame. Both values
// survive restarts so the server keeps the same license record.
type identity struct {
	MachineID string
	Secret    string
}

// loadIdentity reads or creates the machine id and enrollment secret in
// dataDir. An explicit secret replaces the stored one.
func loadIdentity(dataDir, secret string) (identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return identity{}, fmt.Errorf("create data dir: %w", err)
	}

	id, err := readOrCreate(filepath.Join(dataDir, machineIDFile), detectMachineID)
	if err != nil {
		return identity{}, err
	}

	secretPath := filepath.Join(dataDir, secretFile)
	if secret != "" {
		if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0o600); err != nil {
			return identity{}, fmt.Errorf("store secret: %w", err)
		}
	} else if secret, err = readOrCreate(secretPath, randomSecret); err != nil {
		return identity{}, err
	}
	return identity{MachineID: id, Secret: secret}, nil
}

func readOrCreate(path string, create func() (string, error)) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v, err := create()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(v+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// detectMachineID prefers the OS machine id, then a hash of the first
// hardware address, then random bytes.
func detectMachineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "mid:" + id, nil
			}
		}
	}
	if mac := firstHardwareAddr(); mac != "" {
		h := sha256.Sum256([]byte(mac))
		return "mac:" + hex.EncodeToString(h[:16]), nil
	}
	b, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("generate machine id: %w", err)
	}
	return "rnd:" + b, nil
}

func randomSecret() (string, error) {
	s, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return s, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
