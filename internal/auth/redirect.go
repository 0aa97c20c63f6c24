package auth

import (
	"fmt"
	"net/url"
	"strings"
)

// RedirectURL returns the single login redirect target for base, carrying
// returnTo as the post-login destination. returnTo must be a local path.
func RedirectURL(base, returnTo string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse login url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("login url %q is not absolute", base)
	}
	if returnTo != "" {
		if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
			return "", fmt.Errorf("return path %q is not local", returnTo)
		}
		q := u.Query()
		q.Set("redirect", returnTo)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
