package postgres

import (
	"cbrf-exchange/pkg/config"
	"net"
	"net/url"
)

// BuildDSN renders the postgres settings as a connection URL. User and
// password are escaped, so credentials may contain '@', ':' or '/'.
func BuildDSN(cfg config.Config) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Postgres.User, cfg.Postgres.Password),
		Host:     net.JoinHostPort(cfg.Postgres.Host, cfg.Postgres.Port),
		Path:     "/" + cfg.Postgres.DBName,
		RawQuery: url.Values{"sslmode": {cfg.Postgres.SSLMode}}.Encode(),
	}
	return u.String()
}
