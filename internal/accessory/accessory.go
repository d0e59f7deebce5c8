// Package accessory describes how a presence tracker is presented to a
// home automation host: a contact sensor with a last activation
// characteristic, a history service and accessory information.
package accessory

import (
	"context"
	"math"
	"strings"

	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/tracker"
)

// Format is the value type of a characteristic.
type Format string

const (
	FormatUInt8  Format = "uint8"
	FormatUInt32 Format = "uint32"
	FormatString Format = "string"
)

// Perm is a characteristic permission.
type Perm string

const (
	PermRead   Perm = "pr"
	PermNotify Perm = "ev"
)

// Characteristic is a named, typed field definition.
type Characteristic struct {
	Name   string
	UUID   string
	Format Format
	Unit   string
	Perms  []Perm
}

var (
	// LastActivation is the seconds offset of the last connection loss
	// from the history epoch.
	LastActivation = Characteristic{
		Name:   "LastActivation",
		UUID:   "E863F11A-079E-48FF-8F27-9C2605A29F52",
		Format: FormatUInt32,
		Unit:   "seconds",
		Perms:  []Perm{PermRead, PermNotify},
	}

	// ContactSensorState reports contact detected while present.
	ContactSensorState = Characteristic{
		Name:   "ContactSensorState",
		UUID:   "0000006A-0000-1000-8000-0026BB765291",
		Format: FormatUInt8,
		Perms:  []Perm{PermRead, PermNotify},
	}
)

// Contact sensor values.
const (
	ContactDetected    = 0
	ContactNotDetected = 1
)

// EncodeState maps presence to a ContactSensorState value.
func EncodeState(present bool) int {
	if present {
		return ContactDetected
	}
	return ContactNotDetected
}

// Manufacturer is reported in the accessory information service.
const Manufacturer = "Elgato"

// Info is the accessory information service.
type Info struct {
	Name         string
	SerialNumber string
	Manufacturer string
}

// Service kinds listed by an accessory.
const (
	ServiceContactSensor = "contact_sensor"
	ServiceHistory       = "history"
	ServiceInformation   = "accessory_information"
)

// Service is one entry of an accessory's service list.
type Service struct {
	Kind            string
	Characteristics []Characteristic
}

// Accessory answers host queries for one tracker.
type Accessory struct {
	tracker *tracker.Tracker
	info    Info
}

// New wraps a tracker.
func New(t *tracker.Tracker) *Accessory {
	name := t.Device().Name
	return &Accessory{
		tracker: t,
		info: Info{
			Name:         name,
			SerialNumber: "hps-" + strings.ToLower(name),
			Manufacturer: Manufacturer,
		},
	}
}

// Name returns the display name.
func (a *Accessory) Name() string {
	return a.info.Name
}

// Info returns the accessory information.
func (a *Accessory) Info() Info {
	return a.info
}

// Tracker returns the wrapped tracker.
func (a *Accessory) Tracker() *tracker.Tracker {
	return a.tracker
}

// ContactState returns the encoded ContactSensorState.
func (a *Accessory) ContactState() int {
	return EncodeState(a.tracker.IsPresent())
}

// LastActivation returns the LastActivation value clamped to the
// characteristic's uint32 range. ok is false when there is no answer.
func (a *Accessory) LastActivation(ctx context.Context) (uint32, bool, error) {
	secs, ok, err := a.tracker.LastActivation(ctx)
	if err != nil || !ok {
		return 0, false, err
	}
	switch {
	case secs < 0:
		secs = 0
	case secs > math.MaxUint32:
		secs = math.MaxUint32
	}
	return uint32(secs), true, nil
}

// Identify forwards an identify request.
func (a *Accessory) Identify() {
	a.tracker.Identify()
}

// History returns the tracker's history log.
func (a *Accessory) History() history.Log {
	return a.tracker.History()
}

// Services lists the services surfaced to the host.
func (a *Accessory) Services() []Service {
	return []Service{
		{Kind: ServiceContactSensor, Characteristics: []Characteristic{ContactSensorState, LastActivation}},
		{Kind: ServiceHistory},
		{Kind: ServiceInformation},
	}
}

// FromTrackers wraps every tracker.
func FromTrackers(trackers []*tracker.Tracker) []*Accessory {
	out := make([]*Accessory, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, New(t))
	}
	return out
}
