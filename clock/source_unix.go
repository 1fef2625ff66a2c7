//go:build linux || darwin || freebsd || netbsd || openbsd

package clock

import "golang.org/x/sys/unix"

func monotonicReader() (func() (uint64, error), error) {
	read := func() (uint64, error) {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
			return 0, err
		}
		return uint64(ts.Nano()), nil
	}
	if _, err := read(); err != nil {
		return nil, err
	}
	return read, nil
}
