package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pilot-net/huawei-manager/agent/internal/modem"
)

// FakeModem is an in-memory modem.Client. Fields may be set directly
// before use; afterwards use the accessor methods, which lock.
type FakeModem struct {
	mu sync.Mutex

	Device   modem.Response
	Status   modem.Response
	Dialup   modem.Response
	Signals  modem.Response
	Profiles []modem.APNProfile
	Current  string // Default profile index

	// Errs fails the named method, e.g. Errs["SetMobileDataSwitch"].
	Errs map[string]error

	// OnSetDefaultProfile runs after the default profile changes, e.g. to
	// simulate the new WAN IP.
	OnSetDefaultProfile func(f *FakeModem, index string)

	// State observed by tests.
	calls       []string
	netModes    []string
	dataSwitch  []bool
	rebooted    bool
	closed      bool
	defaultSets []string
}

// NewFakeModem returns a modem whose WAN IP is ip.
func NewFakeModem(ip string) *FakeModem {
	f := &FakeModem{Errs: map[string]error{}}
	f.Status = modem.Response{"ConnectionStatus": "901", "WanIPAddress": ip}
	f.Device = modem.Response{"DeviceName": "E3372", "WanIPAddress": ip}
	return f
}

// SetWANIP changes the IP reported by the status and device sections.
// Caller must hold no lock.
func (f *FakeModem) SetWANIP(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setWANIPLocked(ip)
}

func (f *FakeModem) setWANIPLocked(ip string) {
	if f.Status == nil {
		f.Status = modem.Response{}
	}
	if f.Device == nil {
		f.Device = modem.Response{}
	}
	f.Status["WanIPAddress"] = ip
	f.Device["WanIPAddress"] = ip
}

// SetWANIPLocked is for use inside OnSetDefaultProfile, which runs with
// the lock held.
func (f *FakeModem) SetWANIPLocked(ip string) { f.setWANIPLocked(ip) }

// Calls returns the method names invoked so far.
func (f *FakeModem) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// NetModes returns every mode passed to SetNetMode.
func (f *FakeModem) NetModes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.netModes...)
}

// DataSwitches returns every value passed to SetMobileDataSwitch.
func (f *FakeModem) DataSwitches() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.dataSwitch...)
}

// DefaultSets returns every index passed to SetDefaultAPNProfile.
func (f *FakeModem) DefaultSets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.defaultSets...)
}

// Rebooted reports whether Reboot succeeded.
func (f *FakeModem) Rebooted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebooted
}

// Closed reports whether Close was called.
func (f *FakeModem) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// enter records the call and returns its configured error. Caller holds mu.
func (f *FakeModem) enter(name string) error {
	f.calls = append(f.calls, name)
	return f.Errs[name]
}

func (f *FakeModem) read(name string, pick func() modem.Response) (modem.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(name); err != nil {
		return nil, err
	}
	var r modem.Response
	if pick != nil {
		r = pick()
	}
	if r == nil {
		return nil, fmt.Errorf("%s: no data", name)
	}
	out := modem.Response{}
	for k, v := range r {
		out[k] = v
	}
	return out, nil
}

func (f *FakeModem) DeviceInfo(context.Context) (modem.Response, error) {
	return f.read("DeviceInfo", func() modem.Response { return f.Device })
}

func (f *FakeModem) Signal(context.Context) (modem.Response, error) {
	return f.read("Signal", func() modem.Response { return f.Signals })
}

func (f *FakeModem) TrafficStats(context.Context) (modem.Response, error) {
	return f.read("TrafficStats", nil)
}

func (f *FakeModem) MonitoringStatus(context.Context) (modem.Response, error) {
	return f.read("MonitoringStatus", func() modem.Response { return f.Status })
}

func (f *FakeModem) NetMode(context.Context) (modem.Response, error) {
	return f.read("NetMode", nil)
}

func (f *FakeModem) SetNetMode(_ context.Context, lteBand, networkBand, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetNetMode"); err != nil {
		return err
	}
	if err := f.Errs["SetNetMode:"+mode]; err != nil {
		return err
	}
	f.netModes = append(f.netModes, mode)
	return nil
}

func (f *FakeModem) NetModeList(context.Context) (modem.Response, error) {
	return f.read("NetModeList", nil)
}

func (f *FakeModem) CurrentOperator(context.Context) (modem.Response, error) {
	return f.read("CurrentOperator", nil)
}

func (f *FakeModem) MonthStats(context.Context) (modem.Response, error) {
	return f.read("MonthStats", nil)
}

func (f *FakeModem) DialupConnection(context.Context) (modem.Response, error) {
	return f.read("DialupConnection", func() modem.Response { return f.Dialup })
}

func (f *FakeModem) SetMobileDataSwitch(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetMobileDataSwitch"); err != nil {
		return err
	}
	f.dataSwitch = append(f.dataSwitch, enabled)
	return nil
}

func (f *FakeModem) Reboot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Reboot"); err != nil {
		return err
	}
	f.rebooted = true
	return nil
}

// APNProfiles renders Profiles in the HiLink response shape.
func (f *FakeModem) APNProfiles(context.Context) (modem.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("APNProfiles"); err != nil {
		return nil, err
	}
	list := make([]any, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		list = append(list, modem.Response{
			"Index":   p.Index,
			"Name":    p.Name,
			"ApnName": p.APN,
		})
	}
	return modem.Response{
		"CurrentProfile": f.Current,
		"Profiles":       modem.Response{"Profile": list},
	}, nil
}

func (f *FakeModem) CreateAPNProfile(_ context.Context, p modem.APNProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateAPNProfile"); err != nil {
		return err
	}
	p.Index = strconv.Itoa(len(f.Profiles) + 1)
	f.Profiles = append(f.Profiles, p)
	return nil
}

func (f *FakeModem) DeleteAPNProfile(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteAPNProfile"); err != nil {
		return err
	}
	for i, p := range f.Profiles {
		if p.Index == index {
			f.Profiles = append(f.Profiles[:i], f.Profiles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("profile %s not found", index)
}

func (f *FakeModem) SetDefaultAPNProfile(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetDefaultAPNProfile"); err != nil {
		return err
	}
	f.defaultSets = append(f.defaultSets, index)
	f.Current = index
	if f.OnSetDefaultProfile != nil {
		f.OnSetDefaultProfile(f, index)
	}
	return nil
}

func (f *FakeModem) ListSMS(context.Context, modem.SMSQuery) (modem.Response, error) {
	return f.read("ListSMS", func() modem.Response { return modem.Response{"Count": "0"} })
}

func (f *FakeModem) SendSMS(context.Context, []string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("SendSMS")
}

func (f *FakeModem) DeleteSMS(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("DeleteSMS")
}

func (f *FakeModem) MarkSMSRead(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("MarkSMSRead")
}

func (f *FakeModem) SMSCount(context.Context) (modem.Response, error) {
	return f.read("SMSCount", func() modem.Response { return modem.Response{"LocalUnread": "0"} })
}

func (f *FakeModem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ modem.Client = (*FakeModem)(nil)
