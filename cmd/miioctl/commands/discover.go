package commands

import (
	"fmt"
	"time"

	"github.com/edgecli/miioclient/internal/device"
	"github.com/edgecli/miioclient/internal/discovery"
	"github.com/edgecli/miioclient/internal/netmgr"
	"github.com/spf13/cobra"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Broadcast handshake discovery and print devices as they answer",
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 10*time.Second, "how long to listen for replies")
}

// deviceService adapts device.Snapshot to discovery.Identifiable so the
// registry can key it by device id, and renders reasonably for the plain
// listener below.
type deviceService struct{ device.Snapshot }

func (s deviceService) ServiceID() string { return s.ID }

func (s deviceService) String() string {
	model := s.Model
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s (%s) [%s]", s.Address, model, s.ID)
}

// discoverListener renders registry events to stdout.
type discoverListener struct{}

func (discoverListener) OnAvailable(id string, service any) { fmt.Printf("found  %s: %v\n", id, service) }
func (discoverListener) OnUpdate(id string, service any)    { fmt.Printf("update %s: %v\n", id, service) }
func (discoverListener) OnUnavailable(id string, service any) {
	fmt.Printf("gone   %s: no longer responding\n", id)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	var reg *discovery.TimedRegistry

	mgr := netmgr.New(netmgr.WithDeviceListener(func(e netmgr.DeviceEvent) {
		if reg == nil {
			return
		}
		reg.AddService(deviceService{e.Device.Snapshot()})
	}))

	reg = discovery.NewTimedRegistry(mgr, discoverListener{}, discovery.DefaultMaxStaleTime)

	ref := mgr.Ref()
	defer ref.Release()

	reg.Start()
	defer reg.Stop()

	fmt.Printf("listening for %s...\n", discoverTimeout)
	time.Sleep(discoverTimeout)
	return nil
}
