package utils

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// HWID is an app-scoped hash of the machine id, used as the default device owner id.
// Falls back to the hostname when the machine id cannot be read.
var HWID = hardwareID()

func hardwareID() string {
	id, err := machineid.ProtectedID("spacesync")
	if err == nil && id != "" {
		return id[:16]
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-device"
	}
	return host
}
