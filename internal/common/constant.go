// Package common contains shared constants and sentinel errors used across
// petsync components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// DeviceIDHeaderName carries the caller's device id so the backend can
// attribute writes and tag change notifications with their origin.
const DeviceIDHeaderName = "device_id"
