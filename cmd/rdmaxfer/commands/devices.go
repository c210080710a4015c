package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/hardware"
)

// deviceRow merges what sysfs and the verbs backend know about a device.
type deviceRow struct {
	Name     string             `yaml:"name"`
	Source   string             `yaml:"source"`
	Firmware string             `yaml:"firmware,omitempty"`
	Ports    int                `yaml:"ports"`
	Sysfs    *hardware.RDMAInfo `yaml:"sysfs,omitempty"`
	Port     *hardware.PortInfo `yaml:"-"`
}

// NewDevicesCmd creates the devices command
func NewDevicesCmd(g *GlobalFlags) *cobra.Command {
	var (
		sysfsRoot string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices",
		Long: `List RDMA devices found in sysfs together with the devices the
configured verbs backend reports.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			rows, err := collectDevices(cfg, hardware.NewDetector(sysfsRoot))
			if err != nil {
				return err
			}

			switch output {
			case "yaml":
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(rows)
			case "table":
				printDevices(cmd.OutOrStdout(), rows)
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", output)
			}
		},
	}

	cmd.Flags().StringVar(&sysfsRoot, "sysfs-root", hardware.DefaultSysfsRoot, "Directory holding RDMA devices")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, yaml)")

	return cmd
}

func collectDevices(cfg *config.Config, detector *hardware.Detector) ([]deviceRow, error) {
	var rows []deviceRow
	index := make(map[string]int)

	for _, dev := range detector.DetectRDMADevices() {
		row := deviceRow{
			Name:     dev.Name,
			Source:   "sysfs",
			Firmware: dev.FirmwareVer,
			Ports:    len(dev.Ports),
			Sysfs:    &dev,
		}
		if len(dev.Ports) > 0 {
			row.Port = &dev.Ports[0]
		}

		index[dev.Name] = len(rows)
		rows = append(rows, row)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	defer closeBackend(backend)

	list, err := backend.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s devices: %w", cfg.Backend, err)
	}

	for _, dev := range list {
		source := cfg.Backend

		if i, ok := index[dev.Name]; ok {
			rows[i].Source += "," + source
			continue
		}

		rows = append(rows, deviceRow{
			Name:     dev.Name,
			Source:   source,
			Firmware: dev.FWVer,
			Ports:    dev.PhysPortCnt,
		})
	}

	return rows, nil
}

func printDevices(out io.Writer, rows []deviceRow) {
	headers := []string{"DEVICE", "SOURCE", "FIRMWARE", "PORTS", "LINK", "STATE", "LID"}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		link, state, lid := "-", "-", "-"
		if r.Port != nil {
			link = orDash(r.Port.LinkLayer)
			state = orDash(r.Port.State)
			lid = fmt.Sprintf("0x%x", r.Port.LID)
		}

		cells = append(cells, []string{r.Name, r.Source, orDash(r.Firmware), fmt.Sprint(r.Ports), link, state, lid})
	}

	renderTable(out, headers, cells)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
