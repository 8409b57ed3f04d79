package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
	"github.com/tinyrange/vmvirtio/internal/guestdriver"
)

const (
	selftestBufferSize = 32
	selftestMSIAddr    = 0xfee0_0000
	selftestPoll       = time.Second
)

var selftestCLICommand = cli.Command{
	Name:  "selftest",
	Usage: "drive every configured device through a simulated guest driver",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "requests, n",
			Value: 4,
			Usage: "requests to submit per device",
		},
		cli.BoolFlag{
			Name:  "metrics",
			Usage: "print collected metrics in the Prometheus text format",
		},
	},
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

		requests := c.Int("requests")
		if requests <= 0 {
			return fmt.Errorf("--requests must be positive")
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tLOCATION\tFEATURES\tCOMPLETED\tBYTES\tMSI\tINTX")
		for _, dev := range m.devices {
			res, err := runSelftest(m, dev, requests)
			if err != nil {
				return fmt.Errorf("%s: %w", dev.pci.Name(), err)
			}
			fmt.Fprintf(w, "%s\t%s\t%#x\t%d/%d\t%d\t%d\t%d\n",
				dev.pci.Name(), dev.pci.Location(), res.features,
				res.completed, requests, res.bytes, res.msi, res.intx)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if c.Bool("metrics") {
			return writeMetrics(c.App.Writer)
		}
		return nil
	},
}

type selftestResult struct {
	features  uint64
	completed int
	bytes     uint64
	msi       int
	intx      int
}

func runSelftest(m *machine, dev *attachedDevice, requests int) (selftestResult, error) {
	var res selftestResult
	alloc := m.alloc
	drv, err := guestdriver.Probe(m.host, m.mem, alloc, dev.pci.Location())
	if err != nil {
		return res, err
	}
	want := uint64(1)<<virtio.FeatureVersion1 |
		uint64(1)<<virtio.FeatureRingEventIdx |
		uint64(1)<<virtio.FeatureRingIndirectDesc
	if res.features, err = drv.Negotiate(want); err != nil {
		return res, err
	}

	queueVector := uint16(virtio.VIRTIO_MSI_NO_VECTOR)
	if drv.MSIXVectors() >= 2 {
		err := drv.ProgramMSIX([]guestdriver.MSIXVector{
			{Addr: selftestMSIAddr, Data: 0},
			{Addr: selftestMSIAddr, Data: 1},
		})
		if err != nil {
			return res, err
		}
		if _, err := drv.SetConfigVector(0); err != nil {
			return res, err
		}
		queueVector = 1
	}
	vq, err := drv.SetupQueue(0, dev.devCfg.QueueSize, queueVector)
	if err != nil {
		return res, err
	}
	if err := drv.DriverOK(); err != nil {
		return res, err
	}

	msiBefore := len(m.irq.Messages())
	intxBefore := m.irq.Assertions()
	indirect := res.features&(uint64(1)<<virtio.FeatureRingIndirectDesc) != 0
	for i := 0; i < requests; i++ {
		if err := submitEntropyRequest(drv, vq, alloc, indirect && i%2 == 1); err != nil {
			return res, err
		}
		if _, err := m.loop.Poll(selftestPoll); err != nil {
			return res, err
		}
		used, err := vq.Reap()
		if err != nil {
			return res, err
		}
		for _, u := range used {
			res.completed++
			res.bytes += uint64(u.Len)
		}
		if _, err := drv.ReadISR(); err != nil {
			return res, err
		}
	}
	res.msi = len(m.irq.Messages()) - msiBefore
	res.intx = m.irq.Assertions() - intxBefore
	return res, drv.Reset()
}

// submitEntropyRequest queues one request, split over two writable segments
// when indirect is set.
func submitEntropyRequest(drv *guestdriver.Driver, vq *guestdriver.Virtqueue, alloc *guestdriver.Allocator, indirect bool) error {
	buf, err := alloc.Alloc(selftestBufferSize, 16)
	if err != nil {
		return err
	}
	if indirect {
		table, err := alloc.Alloc(2*16, 16)
		if err != nil {
			return err
		}
		half := uint32(selftestBufferSize / 2)
		_, err = vq.SubmitIndirect(table, []guestdriver.Buffer{
			{Addr: buf, Len: half, Write: true},
			{Addr: buf + uint64(half), Len: half, Write: true},
		})
		if err != nil {
			return err
		}
	} else if _, err := vq.Submit([]guestdriver.Buffer{{Addr: buf, Len: selftestBufferSize, Write: true}}); err != nil {
		return err
	}
	return drv.Kick(vq)
}

func writeMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), name+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
