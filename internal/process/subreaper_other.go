//go:build !linux

package process

import "errors"

func BecomeSubreaper() error {
	return errors.New("child subreaper is only supported on linux")
}
