package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DeviceFingerprint holds the derived identifier and the probe values that
// produced it. Probe values never leave the client; only the derived
// fingerprint is transmitted.
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	BoardSerial string    `json:"board_serial"`
	OS          string    `json:"os"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager generates and caches the device fingerprint.
type FingerprintManager struct {
	secret        string
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintManager creates a fingerprint manager. The secret salts the
// derived hash so fingerprints are not portable across products.
func NewFingerprintManager(secret string) *FingerprintManager {
	return &FingerprintManager{
		secret:        secret,
		cacheDuration: 1 * time.Hour,
	}
}

// GetMACAddress retrieves the primary non-loopback interface MAC address.
func (fm *FingerprintManager) GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer up, non-loopback interfaces with a real MAC
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC address
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the normalized machine hostname.
func (fm *FingerprintManager) GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// GetCPUID retrieves a stable CPU identifier (OS-specific, best effort).
func (fm *FingerprintManager) GetCPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return fm.getCPUIDWindows()
	case "linux":
		return fm.getCPUIDLinux()
	default:
		cpuInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
		return shortHash(cpuInfo), nil
	}
}

func (fm *FingerprintManager) getCPUIDWindows() (string, error) {
	if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
		return shortHash(procID), nil
	}
	cpuInfo := fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))
	return shortHash(cpuInfo), nil
}

func (fm *FingerprintManager) getCPUIDLinux() (string, error) {
	cpuData, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		for _, line := range strings.Split(string(cpuData), "\n") {
			if strings.HasPrefix(line, "model name") ||
				strings.HasPrefix(line, "cpu family") {
				return shortHash(line), nil
			}
		}
	}
	return shortHash(fmt.Sprintf("linux-%s", runtime.GOARCH)), nil
}

// GetBoardSerial retrieves a motherboard or volume serial where the platform
// exposes one without privileged commands. Missing values are not an error.
func (fm *FingerprintManager) GetBoardSerial() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{
			"/sys/class/dmi/id/board_serial",
			"/sys/class/dmi/id/product_uuid",
			"/etc/machine-id",
		} {
			if data, err := os.ReadFile(path); err == nil {
				if serial := strings.TrimSpace(string(data)); serial != "" {
					return shortHash(serial)
				}
			}
		}
	}
	return ""
}

// GenerateFingerprint derives the device fingerprint from the available
// hardware probes. Any probe may fail; failures degrade to empty values
// rather than aborting.
func (fm *FingerprintManager) GenerateFingerprint() (*DeviceFingerprint, error) {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	macAddr, err := fm.GetMACAddress()
	if err != nil {
		macAddr = ""
		slog.Warn("failed to get MAC address for fingerprint",
			slog.String("error", err.Error()))
	}

	hostname, err := fm.GetHostname()
	if err != nil {
		hostname = ""
		slog.Warn("failed to get hostname for fingerprint",
			slog.String("error", err.Error()))
	}

	cpuID, err := fm.GetCPUID()
	if err != nil {
		cpuID = ""
	}

	boardSerial := fm.GetBoardSerial()

	// Combine probes with a separator and salt with the client secret so the
	// raw probe values are not recoverable from the fingerprint.
	factors := []string{cpuID, boardSerial, macAddr, hostname, runtime.GOOS}
	combined := strings.Join(factors, "|")
	sum := sha256.Sum256([]byte(combined + fm.secret))
	fingerprint := FormatMachineCode(hex.EncodeToString(sum[:]))

	result := &DeviceFingerprint{
		Fingerprint: fingerprint,
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		BoardSerial: boardSerial,
		OS:          runtime.GOOS,
		GeneratedAt: time.Now(),
	}

	fm.cacheMutex.Lock()
	fm.cache = result
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	slog.Debug("device fingerprint generated",
		slog.String("fingerprint", fingerprint),
		slog.String("os", runtime.GOOS))

	return result, nil
}

// ValidateFingerprint compares the current device fingerprint with a stored
// one.
func (fm *FingerprintManager) ValidateFingerprint(stored string) (bool, error) {
	current, err := fm.GenerateFingerprint()
	if err != nil {
		return false, fmt.Errorf("failed to generate current fingerprint: %w", err)
	}
	return current.Fingerprint == stored, nil
}

// ClearCache drops the cached fingerprint, forcing regeneration on next use.
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}

// FormatMachineCode reformats a hex digest into uppercase dash-grouped
// blocks of four for display and transmission.
func FormatMachineCode(hexDigest string) string {
	upper := strings.ToUpper(hexDigest)
	var b strings.Builder
	for i, r := range upper {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
