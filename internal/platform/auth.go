package platform

import (
	"context"
	"fmt"

	"github.com/bettaflow/mediaspider/internal/login"
	"github.com/bettaflow/mediaspider/internal/model"
)

// authFlow implements login.PlatformAuth from three platform-specific
// pieces: the login page, a script extracting the QR artifact, and a script
// probing whether the current session is logged in.
type authFlow struct {
	loginURL string
	qrJS     string
	validURL string
	validJS  string
}

// NewAuth returns the login flow for a platform identifier.
func NewAuth(platform model.Platform) (login.PlatformAuth, error) {
	switch platform {
	case model.PlatformWeibo:
		return &authFlow{
			loginURL: "https://passport.weibo.com/sso/signin",
			qrJS:     `(document.querySelector('img[src^="data:image"], .qrcode img') || {src: ''}).src`,
			validURL: "https://weibo.com",
			validJS:  `document.cookie.indexOf('SUB=') >= 0`,
		}, nil
	case model.PlatformXiaohongshu:
		return &authFlow{
			loginURL: "https://www.xiaohongshu.com/login",
			qrJS:     `(document.querySelector('.qrcode-img img, img.qrcode') || {src: ''}).src`,
			validURL: "https://www.xiaohongshu.com",
			validJS:  `document.cookie.indexOf('web_session=') >= 0`,
		}, nil
	case model.PlatformTieba:
		return &authFlow{
			loginURL: "https://passport.baidu.com/v2/?login",
			qrJS:     `(document.querySelector('.tang-pass-qrcode-img img, img[src^="data:image"]') || {src: ''}).src`,
			validURL: "https://tieba.baidu.com",
			validJS:  `document.cookie.indexOf('BDUSS=') >= 0`,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// Challenge navigates to the login page and extracts the scannable QR
// payload for the operator.
func (a *authFlow) Challenge(ctx context.Context, b login.Browser) (string, string, error) {
	if err := b.Navigate(a.loginURL); err != nil {
		return "", "", err
	}
	var payload string
	if err := b.Evaluate(a.qrJS, &payload); err != nil {
		return "", "", fmt.Errorf("extracting login code: %w", err)
	}
	if payload == "" {
		return "", "", fmt.Errorf("login code not found on %s", a.loginURL)
	}
	return "qrcode", payload, nil
}

// Validate performs one lightweight authenticated request to confirm the
// session actually works.
func (a *authFlow) Validate(ctx context.Context, b login.Browser) error {
	if err := b.Navigate(a.validURL); err != nil {
		return err
	}
	var authed bool
	if err := b.Evaluate(a.validJS, &authed); err != nil {
		return err
	}
	if !authed {
		return model.ErrSessionInvalid
	}
	return nil
}
