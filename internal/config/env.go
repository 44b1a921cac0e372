package config

import (
	"os"
	"strconv"
)

// Environment overrides, applied last. Names follow the YEP_ prefix the
// rest of the tooling uses.
const (
	envOriginAddr    = "YEP_ORIGIN_ADDR"
	envOriginDataDir = "YEP_DATA_DIR"

	envRemoteEnabled  = "YEP_REMOTE_ENABLED"
	envBrokerURL      = "YEP_BROKER_URL"
	envUsername       = "YEP_USERNAME"
	envInstallID      = "YEP_INSTALL_ID"
	envSRPSalt        = "YEP_SRP_SALT"
	envSRPVerifier    = "YEP_SRP_VERIFIER"
	envKeyLifetimeMin = "YEP_SESSION_KEY_LIFETIME_MINUTES"

	envBrokerPort        = "YEP_BROKER_PORT"
	envBrokerDataDir     = "YEP_BROKER_DATA_DIR"
	envBrokerDatabaseURL = "YEP_BROKER_DATABASE_URL"
	envBrokerReclaimDays = "YEP_BROKER_RECLAIM_DAYS"
	envBrokerLogLevel    = "YEP_BROKER_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	setString(&c.Origin.ListenAddr, envOriginAddr)
	setString(&c.Origin.DataDir, envOriginDataDir)

	setBool(&c.Origin.RemoteAccess.Enabled, envRemoteEnabled)
	setString(&c.Origin.RemoteAccess.BrokerURL, envBrokerURL)
	setString(&c.Origin.RemoteAccess.Username, envUsername)
	setString(&c.Origin.RemoteAccess.InstallID, envInstallID)
	setString(&c.Origin.RemoteAccess.SRPSalt, envSRPSalt)
	setString(&c.Origin.RemoteAccess.SRPVerifier, envSRPVerifier)
	setInt(&c.Origin.RemoteAccess.SessionKeyLifetimeMinutes, envKeyLifetimeMin)

	setInt(&c.Broker.Port, envBrokerPort)
	setString(&c.Broker.DataDir, envBrokerDataDir)
	setString(&c.Broker.DatabaseURL, envBrokerDatabaseURL)
	setInt(&c.Broker.ReclaimDays, envBrokerReclaimDays)
	setString(&c.Broker.LogLevel, envBrokerLogLevel)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
