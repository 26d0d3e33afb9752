package bundle

import (
	"encoding/json"
	"fmt"
)

// InstallState is the lifecycle state of a bundle record.
type InstallState int

const (
	InstallStart InstallState = iota
	InstallSuccess
	InstallFail
	UninstallStart
	UninstallSuccess
	UpdatingStart
	UpdatingSuccess
	UpdatingFail
	RollBack
)

var stateNames = [...]string{
	InstallStart:     "INSTALL_START",
	InstallSuccess:   "INSTALL_SUCCESS",
	InstallFail:      "INSTALL_FAIL",
	UninstallStart:   "UNINSTALL_START",
	UninstallSuccess: "UNINSTALL_SUCCESS",
	UpdatingStart:    "UPDATING_START",
	UpdatingSuccess:  "UPDATING_SUCCESS",
	UpdatingFail:     "UPDATING_FAIL",
	RollBack:         "ROLL_BACK",
}

func (s InstallState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("INSTALL_STATE(%d)", int(s))
}

// IsDisableState reports whether the bundle is unavailable to queries and
// sandbox allocation while in state s.
func (s InstallState) IsDisableState() bool {
	return s == UpdatingStart || s == UninstallStart
}

// ParseInstallState is the inverse of String.
func ParseInstallState(name string) (InstallState, error) {
	for i, n := range stateNames {
		if n == name {
			return InstallState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown install state %q", name)
}

func (s InstallState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *InstallState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseInstallState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether a record currently in from (exists=false when
// there is no record) may move to to.
func CanTransition(exists bool, from, to InstallState) bool {
	if !exists {
		return to == InstallStart
	}

	switch to {
	case InstallStart:
		return false
	case InstallSuccess:
		return from == InstallStart || from == UpdatingStart || from == UpdatingSuccess ||
			from == UpdatingFail || from == UninstallStart || from == RollBack
	case InstallFail:
		return from == InstallStart || from == RollBack
	case UninstallStart:
		return !from.IsDisableState() && from != InstallStart
	case UninstallSuccess:
		return from == UninstallStart
	case UpdatingStart:
		return !from.IsDisableState() && from != InstallStart
	case UpdatingSuccess, UpdatingFail:
		return from == UpdatingStart
	case RollBack:
		return from == InstallStart || from == UpdatingStart || from == UninstallStart
	default:
		return false
	}
}

// IsTerminal reports whether reaching s removes the record.
func (s InstallState) IsTerminal() bool {
	return s == InstallFail || s == UninstallSuccess
}
