//go:build !linux || !cgo

package auth

import "errors"

func pamAuthenticate(service, username, password string) error {
	return errors.New("pam authentication is only available on linux with cgo")
}
