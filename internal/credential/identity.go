package credential

import (
	"fmt"

	"github.com/dbarentine/environment-iot/internal/sas"
)

const (
	APIVersion = "2020-09-30"
	UserAgent  = "go/devlink(linux)"
)

// Identity is static device identity, fixed for process lifetime.
type Identity struct {
	Broker   string // broker host name, e.g. myhub.azure-devices.net
	DeviceID string
}

// ResourceID is the `sr` token field and signed resource.
func (id Identity) ResourceID() string { return fmt.Sprintf("%s/devices/%s", id.Broker, id.DeviceID) }

func (id Identity) ClientID() string { return id.DeviceID }

func (id Identity) Username() string {
	return fmt.Sprintf("%s/%s/?api-version=%s&DeviceClientType=%s",
		id.Broker, id.DeviceID, APIVersion, sas.EscapeResource(UserAgent))
}
