package domain

import (
	"strings"
	"time"
)

// SystemType identifies the product a license is scoped to.
type SystemType string

const (
	SystemDesktop SystemType = "desktop"
	SystemStudio  SystemType = "studio"
)

// Valid reports whether the system type is one of the known products.
func (s SystemType) Valid() bool {
	switch s {
	case SystemDesktop, SystemStudio:
		return true
	}
	return false
}

// MemberLevel is the ordered entitlement tier of a license.
type MemberLevel string

const (
	LevelVIP  MemberLevel = "VIP"
	LevelVVIP MemberLevel = "VVIP"
	LevelSVIP MemberLevel = "SVIP"
)

// rank maps tiers onto their ordering. Unknown tiers rank below VIP.
func (m MemberLevel) rank() int {
	switch m {
	case LevelVIP:
		return 1
	case LevelVVIP:
		return 2
	case LevelSVIP:
		return 3
	}
	return 0
}

// Valid reports whether the member level is a known tier.
func (m MemberLevel) Valid() bool {
	return m.rank() > 0
}

// AtLeast reports whether the tier grants at least the entitlement of other.
func (m MemberLevel) AtLeast(other MemberLevel) bool {
	return m.rank() >= other.rank()
}

// LicenseStatus is the lifecycle state of a license.
type LicenseStatus string

const (
	StatusUnused    LicenseStatus = "unused"
	StatusActivated LicenseStatus = "activated"
	StatusExpired   LicenseStatus = "expired"
	StatusBanned    LicenseStatus = "banned"
)

// LogAction identifies an activation log entry kind.
type LogAction string

const (
	ActionActivate      LogAction = "activate"
	ActionForceActivate LogAction = "force_activate"
	ActionVerify        LogAction = "verify"
	ActionUnbind        LogAction = "unbind"
)

// LogActions is the closed set of ledger entry kinds.
var LogActions = []LogAction{ActionActivate, ActionForceActivate, ActionVerify, ActionUnbind}

// CountsTowardRebindLimit reports whether the action consumes one of the
// license's allowed device bindings.
func (a LogAction) CountsTowardRebindLimit() bool {
	return a == ActionActivate || a == ActionForceActivate
}

// Code is a stable, closed error code surfaced on license operations.
type Code string

const (
	CodeInvalidLicense   Code = "INVALID_LICENSE"
	CodeBanned           Code = "BANNED"
	CodeExpired          Code = "EXPIRED"
	CodeAlreadyActivated Code = "ALREADY_ACTIVATED"
	CodeNotActivated     Code = "NOT_ACTIVATED"
	CodeMachineMismatch  Code = "MACHINE_MISMATCH"
	CodeSystemMismatch   Code = "SYSTEM_MISMATCH"
	CodeMissingParams    Code = "MISSING_PARAMS"
)

// Envelope codes rejected before the state machine is reached.
const (
	CodeMissingTimestamp Code = "MISSING_TIMESTAMP"
	CodeInvalidTimestamp Code = "INVALID_TIMESTAMP"
	CodeMissingSignature Code = "MISSING_SIGNATURE"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeRateLimited      Code = "RATE_LIMIT"
	CodeServerError      Code = "SERVER_ERROR"
	CodeNetworkError     Code = "NETWORK_ERROR"
)

// ActivateRequest is the wire payload for license activation.
type ActivateRequest struct {
	LicenseKey  string     `json:"license_key" validate:"required,min=16"`
	MachineCode string     `json:"machine_code" validate:"required"`
	SystemType  SystemType `json:"system_type" validate:"required"`
	Force       bool       `json:"force,omitempty"`
}

// VerifyRequest is the wire payload for the heartbeat check.
type VerifyRequest struct {
	LicenseKey  string     `json:"license_key" validate:"required,min=16"`
	MachineCode string     `json:"machine_code" validate:"required"`
	SystemType  SystemType `json:"system_type" validate:"required"`
}

// UnbindRequest is the wire payload for client-initiated unbinding.
type UnbindRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,min=16"`
	MachineCode string `json:"machine_code" validate:"required"`
}

// CheckRequest is the wire payload for the unlogged key status probe.
type CheckRequest struct {
	LicenseKey string     `json:"license_key" validate:"required,min=16"`
	SystemType SystemType `json:"system_type,omitempty"`
}

// Grant is the success payload returned by activate and verify.
type Grant struct {
	SystemType    SystemType  `json:"system_type"`
	MemberLevel   MemberLevel `json:"member_level"`
	ExpireAt      time.Time   `json:"expire_at"`
	DaysRemaining int         `json:"days_remaining,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}

// KeyInfo is the payload returned by the status probe.
type KeyInfo struct {
	Status      LicenseStatus `json:"status"`
	SystemType  SystemType    `json:"system_type"`
	MemberLevel MemberLevel   `json:"member_level"`
	IsBound     bool          `json:"is_bound"`
}

// Response is the signed wire envelope common to all auth endpoints.
type Response struct {
	Success   bool   `json:"success"`
	Code      Code   `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      *Grant `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// NormalizeKey canonicalizes user-entered license keys: uppercase, trimmed,
// inner whitespace removed.
func NormalizeKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	return strings.ReplaceAll(key, " ", "")
}
