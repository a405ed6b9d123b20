//go:build windows

package detector

import (
	"syscall"
	"unsafe"
)

// processStartUnix returns pid's creation time as Unix seconds via
// GetProcessTimes, or 0 on error. The PID-reuse guard behind
// PIDFileDetector, same contract as the Unix variant.
func processStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0
	}
	defer syscall.CloseHandle(h)

	var creation, exit, kernel, user syscall.Filetime
	proc := syscall.NewLazyDLL("kernel32.dll").NewProc("GetProcessTimes")
	ret, _, _ := proc.Call(uintptr(h),
		uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)),
		uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return 0
	}
	const hundredNsPerSecond = 10000000
	const windowsToUnixEpochSeconds = 11644473600
	ft := (uint64(creation.HighDateTime) << 32) | uint64(creation.LowDateTime)
	return int64(ft/hundredNsPerSecond) - windowsToUnixEpochSeconds
}
