package errors

import (
	"errors"
	"fmt"
)

// ErrCode is a bundle manager result code. Every non-zero code is an error and
// belongs to exactly one category sentinel.
type ErrCode int32

const (
	ErrOK ErrCode = 0

	ErrInstallInternalError ErrCode = 8519681 + iota
	ErrInstallParamError
	ErrInstallAlreadyExist
	ErrInstallStateError
	ErrUninstallInvalidName
	ErrUninstallMissingInstalledBundle
	ErrUninstallSystemApp
	ErrUninstallBundleMgrServiceError
	ErrUninstallKillingApp
	ErrUserNotExist
	ErrUserNotInstallHap

	ErrSandboxInstallInternalError
	ErrSandboxInstallAppNotExisted
	ErrSandboxInstallParamError
	ErrSandboxInstallUserNotExist
	ErrSandboxInstallNoSandboxAppInfo
	ErrSandboxInstallNotInstalledAtSpecifiedUserID
	ErrSandboxQueryParamError
	ErrSandboxQueryNoModuleInfo
	ErrSandboxQueryInvalidUID
)

var codeNames = map[ErrCode]string{
	ErrOK:                                          "ERR_OK",
	ErrInstallInternalError:                        "ERR_APPEXECFWK_INSTALL_INTERNAL_ERROR",
	ErrInstallParamError:                           "ERR_APPEXECFWK_INSTALL_PARAM_ERROR",
	ErrInstallAlreadyExist:                         "ERR_APPEXECFWK_INSTALL_ALREADY_EXIST",
	ErrInstallStateError:                           "ERR_APPEXECFWK_INSTALL_STATE_ERROR",
	ErrUninstallInvalidName:                        "ERR_APPEXECFWK_UNINSTALL_INVALID_NAME",
	ErrUninstallMissingInstalledBundle:             "ERR_APPEXECFWK_UNINSTALL_MISSING_INSTALLED_BUNDLE",
	ErrUninstallSystemApp:                          "ERR_APPEXECFWK_UNINSTALL_SYSTEM_APP_ERROR",
	ErrUninstallBundleMgrServiceError:              "ERR_APPEXECFWK_UNINSTALL_BUNDLE_MGR_SERVICE_ERROR",
	ErrUninstallKillingApp:                         "ERR_APPEXECFWK_UNINSTALL_KILLING_APP_ERROR",
	ErrUserNotExist:                                "ERR_APPEXECFWK_USER_NOT_EXIST",
	ErrUserNotInstallHap:                           "ERR_APPEXECFWK_USER_NOT_INSTALL_HAP",
	ErrSandboxInstallInternalError:                 "ERR_APPEXECFWK_SANDBOX_INSTALL_INTERNAL_ERROR",
	ErrSandboxInstallAppNotExisted:                 "ERR_APPEXECFWK_SANDBOX_INSTALL_APP_NOT_EXISTED",
	ErrSandboxInstallParamError:                    "ERR_APPEXECFWK_SANDBOX_INSTALL_PARAM_ERROR",
	ErrSandboxInstallUserNotExist:                  "ERR_APPEXECFWK_SANDBOX_INSTALL_USER_NOT_EXIST",
	ErrSandboxInstallNoSandboxAppInfo:              "ERR_APPEXECFWK_SANDBOX_INSTALL_NO_SANDBOX_APP_INFO",
	ErrSandboxInstallNotInstalledAtSpecifiedUserID: "ERR_APPEXECFWK_SANDBOX_INSTALL_NOT_INSTALLED_AT_SPECIFIED_USERID",
	ErrSandboxQueryParamError:                      "ERR_APPEXECFWK_SANDBOX_QUERY_PARAM_ERROR",
	ErrSandboxQueryNoModuleInfo:                    "ERR_APPEXECFWK_SANDBOX_QUERY_NO_MODULE_INFO",
	ErrSandboxQueryInvalidUID:                      "ERR_APPEXECFWK_SANDBOX_QUERY_INVALID_USER_ID",
}

// String returns the symbolic name of the code.
func (c ErrCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERR_CODE_%d", int32(c))
}

func (c ErrCode) Error() string {
	return c.String()
}

// Is lets errors.Is match a code against its category sentinel.
func (c ErrCode) Is(target error) bool {
	category := c.category()
	return category != nil && category == target
}

func (c ErrCode) category() error {
	switch c {
	case ErrOK:
		return nil
	case ErrInstallParamError, ErrUninstallInvalidName, ErrSandboxInstallParamError,
		ErrSandboxQueryParamError, ErrSandboxQueryInvalidUID:
		return ErrInvalidInput
	case ErrUninstallMissingInstalledBundle, ErrUserNotExist, ErrUserNotInstallHap,
		ErrSandboxInstallAppNotExisted, ErrSandboxInstallUserNotExist,
		ErrSandboxInstallNoSandboxAppInfo, ErrSandboxInstallNotInstalledAtSpecifiedUserID,
		ErrSandboxQueryNoModuleInfo:
		return ErrNotFound
	case ErrInstallAlreadyExist, ErrInstallStateError, ErrUninstallKillingApp:
		return ErrConflict
	case ErrUninstallSystemApp:
		return ErrPermissionDenied
	default:
		return ErrInternal
	}
}

// Code wraps a result code with a message. errors.Is still matches both the
// code and its category.
func Code(code ErrCode, message string) error {
	if code == ErrOK {
		return nil
	}
	return fmt.Errorf("%s: %w", message, code)
}

// ErrCodeOf extracts the result code carried by err. Untyped errors map to
// ErrInstallInternalError.
func ErrCodeOf(err error) ErrCode {
	if err == nil {
		return ErrOK
	}
	var code ErrCode
	if errors.As(err, &code) {
		return code
	}
	return ErrInstallInternalError
}
