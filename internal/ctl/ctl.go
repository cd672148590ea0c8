// Package ctl implements the control protocol between meshboxctl and
// meshboxd: JSON lines over a unix socket, one request per line answered by
// one response carrying either a result or a mapped error.
package ctl

import "encoding/json"

// Verbs accepted by the server.
const (
	VerbEnable           = "enable"
	VerbDisable          = "disable"
	VerbJoin             = "join"
	VerbLeave            = "leave"
	VerbMigrate          = "migrate"
	VerbForceStopDaemon  = "force-stop-daemon"
	VerbForceCountryCode = "force-country-code"
	VerbGetCountryCode   = "get-country-code"
	VerbGetChannelMasks  = "get-channel-masks"
)

// Request is one CLI command.
type Request struct {
	ID   uint64 `json:"id"`
	Verb string `json:"verb"`

	// Enabled carries the argument of force-stop-daemon and
	// force-country-code.
	Enabled bool `json:"enabled,omitempty"`
	// DatasetHex carries the TLV dataset of join and migrate.
	DatasetHex string `json:"dataset_hex,omitempty"`
	// DelaySeconds carries the migration delay.
	DelaySeconds uint32 `json:"delay_seconds,omitempty"`
	// CountryCode carries the force-country-code region.
	CountryCode string `json:"country_code,omitempty"`
}

// Response answers one request. A failed operation carries the mapped error
// code and its message.
type Response struct {
	ID      uint64          `json:"id"`
	Code    int32           `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// CountryCodeResult is the result payload of get-country-code.
type CountryCodeResult struct {
	CountryCode string `json:"country_code"`
	Overridden  bool   `json:"overridden"`
}

// ChannelMasksResult is the result payload of get-channel-masks.
type ChannelMasksResult struct {
	SupportedMask uint32 `json:"supported_mask"`
	PreferredMask uint32 `json:"preferred_mask"`
}
