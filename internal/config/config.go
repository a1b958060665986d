package config

import (
	"os"
	"strconv"
)

type Config struct {
	AppPort          string
	HMACSecret       string
	SigMaxAgeSeconds int64
	SQLiteDSN        string

	Mpesa MpesaConfig
}

// MpesaConfig carries the Daraja credential block. Everything the provider
// client needs is enumerated here rather than read from ambient globals.
type MpesaConfig struct {
	Env              string // "sandbox" or "production"
	ConsumerKey      string
	ConsumerSecret   string
	Shortcode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
	TimeoutSeconds   int64
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func Load() Config {
	return Config{
		AppPort:          getenv("APP_PORT", "8080"),
		HMACSecret:       getenv("HMAC_SECRET", "supersecret-dev"),
		SigMaxAgeSeconds: getInt64("SIG_MAX_AGE_SECONDS", 300),
		SQLiteDSN:        getenv("SQLITE_DSN", "./app.db"),
		Mpesa: MpesaConfig{
			Env:              getenv("MPESA_ENV", "sandbox"),
			ConsumerKey:      getenv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:   getenv("MPESA_CONSUMER_SECRET", ""),
			Shortcode:        getenv("MPESA_SHORTCODE", ""),
			Passkey:          getenv("MPESA_PASSKEY", ""),
			CallbackURL:      getenv("MPESA_CALLBACK_URL", ""),
			AccountReference: getenv("MPESA_ACCOUNT_REFERENCE", "ACCOUNT"),
			TransactionDesc:  getenv("MPESA_TRANSACTION_DESC", "Payment"),
			TimeoutSeconds:   getInt64("MPESA_TIMEOUT_SECONDS", 30),
		},
	}
}
