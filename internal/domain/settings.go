package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// BrokerSettings are the broker connection parameters stored in the lab
// database and edited by operators.
type BrokerSettings struct {
	Host        string
	Port        int
	VHost       string
	User        string
	Password    string
	PollSeconds int
}

// Validate checks that every connection parameter is present. PollSeconds is
// optional and falls back to a default interval.
func (s BrokerSettings) Validate() error {
	switch {
	case s.Host == "":
		return NewValidationError("broker_host", "must not be empty")
	case s.Port <= 0 || s.Port > 65535:
		return NewValidationError("broker_port", "must be between 1 and 65535")
	case s.VHost == "":
		return NewValidationError("broker_vhost", "must not be empty")
	case s.User == "":
		return NewValidationError("broker_user", "must not be empty")
	case s.Password == "":
		return NewValidationError("broker_password", "must not be empty")
	}
	return nil
}

// Fingerprint hashes every field so two reads can be compared without
// keeping the password around in logs.
func (s BrokerSettings) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		s.Host,
		strconv.Itoa(s.Port),
		s.VHost,
		s.User,
		s.Password,
		strconv.Itoa(s.PollSeconds),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PollInterval returns the publisher interval, or fallback when unset or non-positive.
func (s BrokerSettings) PollInterval(fallback time.Duration) time.Duration {
	if s.PollSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.PollSeconds) * time.Second
}

// SiteSettings identify this lab site inside a shared database.
type SiteSettings struct {
	Tenant        string
	Series        string
	BreakdownType string
}

// SampleKeyScope is the technical key counter for new samples.
func (s SiteSettings) SampleKeyScope() KeyScope {
	return KeyScope{Tenant: s.Tenant, Table: KeyTableSamples, Series: s.Series}
}

// EventLogKeyScope is the technical key counter for event log rows.
func (s SiteSettings) EventLogKeyScope() KeyScope {
	return KeyScope{Tenant: s.Tenant, Table: KeyTableEventLog, Series: s.Series}
}
