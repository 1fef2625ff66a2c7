//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package clock

import "time"

var genericEpoch = time.Now()

func monotonicReader() (func() (uint64, error), error) {
	return func() (uint64, error) {
		return uint64(time.Since(genericEpoch).Nanoseconds()), nil
	}, nil
}
