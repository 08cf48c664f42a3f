package cproto

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// loginURI is the parsed form of a cproto connection URI:
// scheme://[user[:password]@]host[:port]/database-path
type loginURI struct {
	hostPort string
	username string
	password string
	database string
}

func parseURI(raw string) (loginURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return loginURI{}, errors.Wrap(err, "cproto: invalid connection uri")
	}
	if u.Host == "" {
		return loginURI{}, errors.New("cproto: connection uri has no host")
	}

	var lu loginURI
	lu.hostPort = u.Host
	if u.User != nil {
		lu.username = u.User.Username()
		lu.password, _ = u.User.Password()
	}
	lu.database = strings.TrimPrefix(u.Path, "/")
	return lu, nil
}
