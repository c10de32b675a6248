package config

import (
	"maps"
	"net/url"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a deep-enough copy of cfg that is safe to log:
// passwords, keys and tokens become "***" and a DSN keeps everything but its
// password. Mutating the copy never touches cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactDSN(cfg.Postgres.DSN)
	out.Redis.URL = redactDSN(cfg.Redis.URL)
	for _, s := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Dev.GenesisBalances = maps.Clone(cfg.Dev.GenesisBalances)
	return out
}

// redactDSN masks the password of a postgres:// or redis:// URL. Anything that does not
// parse as a URL with credentials is masked whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
