package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilot-net/huawei-manager/agent/internal/modem"
	"github.com/pilot-net/huawei-manager/pkg/types"
)

// dataStrategy toggles the mobile data switch off and on.
type dataStrategy struct{}

func (dataStrategy) Method() types.ReconnectMethod { return types.MethodData }

func (dataStrategy) Reconnect(ctx context.Context, run *Run) error {
	run.Logf("Disabling mobile data switch...")
	offErr := run.Client.SetMobileDataSwitch(ctx, false)
	if offErr != nil {
		run.Logf("Error disabling mobile data: %v", offErr)
	} else {
		run.Logf("Mobile data disabled")
	}

	// Give the modem time to tear down the session.
	if err := run.Settle(ctx); err != nil {
		return err
	}

	// Enable even when disable failed; leaving data off is worse.
	run.Logf("Enabling mobile data switch...")
	onErr := run.Client.SetMobileDataSwitch(ctx, true)
	if onErr != nil {
		run.Logf("Error enabling mobile data: %v", onErr)
	} else {
		run.Logf("Mobile data enabled")
	}

	if err := errors.Join(offErr, onErr); err != nil {
		return fmt.Errorf("toggling mobile data: %w", err)
	}
	return nil
}

// netModeStrategy drops to 3G and back to 4G, forcing a re-attach.
type netModeStrategy struct{}

func (netModeStrategy) Method() types.ReconnectMethod { return types.MethodNetMode }

func (netModeStrategy) Reconnect(ctx context.Context, run *Run) error {
	err := func() error {
		run.Logf("Switching network mode to 3G...")
		if err := run.Client.SetNetMode(ctx, modem.AllLTEBands, modem.AllNetworkBands, modem.NetMode3GOnly); err != nil {
			return err
		}
		run.Logf("Switched to 3G, waiting")
		if err := run.Settle(ctx); err != nil {
			return err
		}
		run.Logf("Switching network mode back to 4G...")
		if err := run.Client.SetNetMode(ctx, modem.AllLTEBands, modem.AllNetworkBands, modem.NetMode4GOnly); err != nil {
			return err
		}
		run.Logf("Switched to 4G")
		return nil
	}()
	if err == nil {
		return nil
	}

	run.Logf("Network mode switch failed: %v, reverting to auto", err)
	if rerr := run.Client.SetNetMode(ctx, modem.AllLTEBands, modem.AllNetworkBands, modem.NetModeAuto); rerr != nil {
		run.Logf("Revert to auto failed: %v", rerr)
	}
	return fmt.Errorf("switching network mode: %w", err)
}

// rebootStrategy restarts the modem. The caller does not wait for it to
// come back.
type rebootStrategy struct{}

func (rebootStrategy) Method() types.ReconnectMethod { return types.MethodReboot }

func (rebootStrategy) Reconnect(ctx context.Context, run *Run) error {
	run.Logf("Rebooting modem...")
	if err := run.Client.Reboot(ctx); err != nil {
		return fmt.Errorf("sending reboot: %w", err)
	}
	run.Logf("Reboot command sent")
	return nil
}

// profileStrategy switches the default APN profile and keeps the new one
// only when it yields a target address.
type profileStrategy struct{}

func (profileStrategy) Method() types.ReconnectMethod { return types.MethodProfile }

func (profileStrategy) Reconnect(ctx context.Context, run *Run) error {
	run.Logf("Switching APN profile...")
	r, err := run.Client.APNProfiles(ctx)
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}
	profiles, current := modem.ParseProfiles(r)
	if len(profiles) < 2 {
		run.Logf("Need at least 2 profiles to switch")
		return fmt.Errorf("need at least 2 APN profiles, have %d", len(profiles))
	}

	var next *modem.APNProfile
	for i := range profiles {
		if profiles[i].Index != current {
			next = &profiles[i]
			break
		}
	}
	if next == nil {
		return errors.New("no other APN profile")
	}

	run.Logf("Switching from profile %s to %s (%s)", current, next.Index, next.Name)
	if err := run.Client.SetDefaultAPNProfile(ctx, next.Index); err != nil {
		return fmt.Errorf("setting default profile: %w", err)
	}

	if err := run.Settle(ctx); err != nil {
		return revertProfile(ctx, run, current, err)
	}

	info, err := run.Client.DeviceInfo(ctx)
	if err != nil {
		run.Logf("Error checking IP: %v", err)
		return revertProfile(ctx, run, current, fmt.Errorf("reading device info: %w", err))
	}
	ip := info.String("WanIPAddress")
	run.Logf("New IP: %s", ip)
	if ip != "" && run.Targets.Match(ip) {
		run.IP = ip
		run.Logf("Target IP found, keeping profile %s", next.Index)
		return nil
	}

	run.Logf("IP does not match target")
	return revertProfile(ctx, run, current, fmt.Errorf("profile %s gave non-target IP %q", next.Index, ip))
}

func revertProfile(ctx context.Context, run *Run, index string, cause error) error {
	run.Logf("Reverting to profile %s...", index)
	if err := run.Client.SetDefaultAPNProfile(ctx, index); err != nil {
		run.Logf("Revert failed: %v", err)
		return errors.Join(cause, fmt.Errorf("reverting profile: %w", err))
	}
	run.Logf("Profile reverted")
	return cause
}
