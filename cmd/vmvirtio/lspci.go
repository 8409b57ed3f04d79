package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
	"github.com/tinyrange/vmvirtio/internal/guestdriver"
)

var lspciCLICommand = cli.Command{
	Name:  "lspci",
	Usage: "enumerate the host bridge as a guest would",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		m, err := newMachine(cfg)
		if err != nil {
			return err
		}
		defer m.Close()
		return listDevices(c.App.Writer, m)
	},
}

var capabilityNames = map[uint8]string{
	virtio.VIRTIO_PCI_CAP_COMMON_CFG: "common",
	virtio.VIRTIO_PCI_CAP_NOTIFY_CFG: "notify",
	virtio.VIRTIO_PCI_CAP_ISR_CFG:    "isr",
	virtio.VIRTIO_PCI_CAP_DEVICE_CFG: "device",
}

func listDevices(w io.Writer, m *machine) error {
	ecam := m.host.ConfigRegion()
	fmt.Fprintf(w, "host bridge: ECAM %#x-%#x, BAR window %#x-%#x\n",
		ecam.Address, ecam.Address+ecam.Size-1,
		m.host.MMIOWindow().Address, m.host.MMIOWindow().Address+m.host.MMIOWindow().Size-1)

	for _, loc := range m.host.Endpoints() {
		drv, err := guestdriver.Probe(m.host, m.mem, m.alloc, loc)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", loc, err)
			continue
		}
		fmt.Fprintf(w, "%s %04x:%04x virtio-%s\n", loc, drv.VendorID, drv.DeviceID, drv.DeviceType())
		for i, addr := range drv.BARs {
			if addr == 0 {
				continue
			}
			size, err := drv.SizeBAR(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\tBAR%d %#x [size=%#x]\n", i, addr, size)
		}
		for _, capability := range drv.Caps {
			fmt.Fprintf(w, "\tcap@%#02x %-6s bar=%d offset=%#x length=%#x",
				capability.Pos, capabilityNames[capability.Type], capability.BAR, capability.Offset, capability.Length)
			if capability.Type == virtio.VIRTIO_PCI_CAP_NOTIFY_CFG {
				fmt.Fprintf(w, " multiplier=%d", capability.NotifyMultiplier)
			}
			fmt.Fprintln(w)
		}
		if n := drv.MSIXVectors(); n > 0 {
			fmt.Fprintf(w, "\tMSI-X vectors=%d\n", n)
		} else {
			fmt.Fprintln(w, "\tINTx only")
		}
		nq, err := drv.NumQueues()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\tqueues=%d\n", nq)
	}
	return nil
}
