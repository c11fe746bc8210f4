/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/blacktop/go-s2mpu"
	"github.com/spf13/cobra"
)

// boardConfig is the TOML description of a simulated board.
type boardConfig struct {
	Version string        `toml:"version"`
	Devices []boardDevice `toml:"device"`
}

type boardDevice struct {
	Name string      `toml:"name"`
	Base uint64      `toml:"base"`
	Sync []boardSync `toml:"sync"`
}

type boardSync struct {
	Name    string `toml:"name"`
	Base    uint64 `toml:"base"`
	Latency int    `toml:"latency"`
	Wedged  bool   `toml:"wedged"`
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringP("board", "b", "", "Board description file (TOML)")
	simulateCmd.Flags().StringArrayP("protect", "p", nil, "Protection update START-END:PROT (e.g. 0x80000000-0x80200000:r)")
	simulateCmd.Flags().Bool("suspend-resume", false, "Run a suspend/resume cycle after the updates")
	simulateCmd.MarkFlagRequired("board")
}

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Aliases: []string{"sim"},
	Short:   "Run a driver scenario against simulated hardware and report metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		boardPath, err := cmd.Flags().GetString("board")
		if err != nil {
			return err
		}
		updates, err := cmd.Flags().GetStringArray("protect")
		if err != nil {
			return err
		}
		cycle, err := cmd.Flags().GetBool("suspend-resume")
		if err != nil {
			return err
		}

		var board boardConfig
		if _, err := toml.DecodeFile(boardPath, &board); err != nil {
			return fmt.Errorf("failed to load board %s: %w", boardPath, err)
		}
		if len(board.Devices) == 0 {
			return fmt.Errorf("board %s declares no devices", boardPath)
		}
		version, err := parseVersion(board.Version)
		if err != nil {
			return err
		}

		s2mpu.ResetMetrics()

		lender := s2mpu.NewSimLender()
		drv := s2mpu.NewDriver(lender)

		var ids []s2mpu.DeviceID
		for _, bd := range board.Devices {
			id, err := drv.Attach(s2mpu.DeviceConfig{
				Name:   bd.Name,
				Kind:   s2mpu.KindProtector,
				Base:   bd.Base,
				Size:   s2mpu.MMIOSize,
				Parent: s2mpu.NoDevice,
				Regs:   s2mpu.NewSimProtector(version, s2mpu.NumCtxIDs),
			})
			if err != nil {
				return fmt.Errorf("failed to attach %s: %w", bd.Name, err)
			}
			for _, bs := range bd.Sync {
				unit := s2mpu.NewSimSyncUnit()
				unit.Latency = bs.Latency
				unit.Wedged = bs.Wedged
				if _, err := drv.Attach(s2mpu.DeviceConfig{
					Name:   bs.Name,
					Kind:   s2mpu.KindSyncUnit,
					Base:   bs.Base,
					Size:   s2mpu.SyncMMIOSize,
					Parent: id,
					Regs:   unit,
				}); err != nil {
					return fmt.Errorf("failed to attach %s: %w", bs.Name, err)
				}
			}
			ids = append(ids, id)
		}

		blob := s2mpu.SimInitConfig(lender, version).Encode()
		for i, id := range ids {
			if err := drv.Initialize(id, blob); err != nil {
				return fmt.Errorf("failed to initialize %s: %w", board.Devices[i].Name, err)
			}
		}

		for _, u := range updates {
			start, end, prot, err := parseUpdate(u)
			if err != nil {
				return err
			}
			if err := drv.HostStage2IDMapPrepare(start, end, prot); err != nil {
				return fmt.Errorf("prepare %s: %w", u, err)
			}
			for _, id := range ids {
				if err := drv.HostStage2IDMapApply(id, start, end); err != nil {
					return fmt.Errorf("apply %s: %w", u, err)
				}
				if err := drv.HostStage2IDMapComplete(id); err != nil {
					fmt.Printf("warning: %v\n", err)
				}
			}
		}

		if cycle {
			for _, id := range ids {
				if err := drv.Suspend(id); err != nil {
					return err
				}
			}
			for _, id := range ids {
				if err := drv.Resume(id); err != nil {
					return err
				}
			}
		}

		out, err := json.MarshalIndent(s2mpu.GetMetrics(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// parseUpdate parses a START-END:PROT protection update.
func parseUpdate(s string) (start, end uint64, prot s2mpu.Prot, err error) {
	rangePart, protPart, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, 0, fmt.Errorf("bad update %q: want START-END:PROT", s)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("bad range %q: want START-END", rangePart)
	}
	if start, err = strconv.ParseUint(startPart, 0, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("bad start %q: %w", startPart, err)
	}
	if end, err = strconv.ParseUint(endPart, 0, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("bad end %q: %w", endPart, err)
	}
	if prot, err = parseProt(protPart); err != nil {
		return 0, 0, 0, err
	}
	return start, end, prot, nil
}
