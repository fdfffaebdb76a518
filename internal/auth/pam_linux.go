//go:build linux && cgo

package auth

import (
	"errors"

	"github.com/msteinert/pam/v2"
)

func pamAuthenticate(service, username, password string) error {
	tx, err := pam.StartFunc(service, username, func(style pam.Style, _ string) (string, error) {
		switch style {
		case pam.PromptEchoOff:
			return password, nil
		case pam.PromptEchoOn:
			return username, nil
		case pam.ErrorMsg, pam.TextInfo:
			return "", nil
		}
		return "", errors.New("unsupported pam conversation style")
	})
	if err != nil {
		return err
	}
	defer tx.End()

	if err := tx.Authenticate(0); err != nil {
		return err
	}
	return tx.AcctMgmt(0)
}
