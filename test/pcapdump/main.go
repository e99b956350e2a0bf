package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/gopacket/layers"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
	"github.com/Clouded-Sabre/utcp/test/capture"
)

func main() {
	var (
		port       int
		configPath string
		summary    bool
	)
	rootCmd := &cobra.Command{
		Use:   "pcapdump <file.pcap>",
		Short: "Decode utcp datagrams from a packet capture",
		Long: `Prints one line per utcp datagram found in a pcap file: the handshake
step, or the packet sequence, ack and bunch headers of a data packet.
Datagrams from --port are treated as sent by the server.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if cmd.Flags().Changed("config") {
				var err error
				if cfg, err = config.LoadConfig(configPath); err != nil {
					return err
				}
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			magic := handshake.Magic{Value: cfg.MagicHeader, Bits: cfg.MagicHeaderLen}
			counts, err := dump(os.Stdout, f, uint16(port), magic)
			if err != nil {
				return err
			}
			if summary {
				printSummary(counts)
			}
			return nil
		},
	}
	f := rootCmd.Flags()
	f.IntVarP(&port, "port", "p", 7777, "server UDP port")
	f.StringVarP(&configPath, "config", "c", "config.yaml", "config file, for the magic header")
	f.BoolVarP(&summary, "summary", "s", false, "print datagram counts by kind")

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// dump decodes every UDP packet to or from port and returns the number of
// datagrams per kind.
func dump(w io.Writer, r io.Reader, port uint16, magic handshake.Magic) (map[string]int, error) {
	source, err := capture.NewPacketSource(r)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for packet := range source.Packets() {
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		fromServer := uint16(udp.SrcPort) == port
		if !fromServer && uint16(udp.DstPort) != port {
			continue
		}
		src, dst := "?", "?"
		if nl := packet.NetworkLayer(); nl != nil {
			src, dst = nl.NetworkFlow().Src().String(), nl.NetworkFlow().Dst().String()
		}
		ts := packet.Metadata().Timestamp.Format("15:04:05.000000")

		dg, err := lib.Inspect(udp.Payload, magic, fromServer)
		if err != nil {
			counts["invalid"]++
			fmt.Fprintf(w, "%s %s:%d > %s:%d invalid (%d bytes): %v\n", ts, src, udp.SrcPort, dst, udp.DstPort, len(udp.Payload), err)
			continue
		}
		counts[dg.Kind()]++
		fmt.Fprintf(w, "%s %s:%d > %s:%d %s\n", ts, src, udp.SrcPort, dst, udp.DstPort, dg)
	}
	return counts, nil
}

func printSummary(counts map[string]int) {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	data := pterm.TableData{{"kind", "datagrams"}}
	for _, k := range kinds {
		data = append(data, []string{k, fmt.Sprint(counts[k])})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
