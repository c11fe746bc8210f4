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
	"fmt"
	"strconv"

	"github.com/blacktop/go-s2mpu"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(maskCmd)
	maskCmd.Flags().StringP("version", "v", "v9", "Hardware version (v1, v2, v9)")
	maskCmd.Flags().BoolP("write", "w", false, "Compute the write mask instead of the read mask")
}

var maskCmd = &cobra.Command{
	Use:   "mask [OFFSET]",
	Short: "Show the host access mask for a trapped register offset",
	Long: `Show which bits an untrusted host may access at a register offset.

A mask of 0 means the access is denied and a fault would be injected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vs, err := cmd.Flags().GetString("version")
		if err != nil {
			return err
		}
		version, err := parseVersion(vs)
		if err != nil {
			return err
		}
		isWrite, err := cmd.Flags().GetBool("write")
		if err != nil {
			return err
		}

		off, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("bad offset %q: %w", args[0], err)
		}
		if off&3 != 0 {
			return fmt.Errorf("offset 0x%x is not u32-aligned; such accesses always fault", off)
		}

		mask, err := s2mpu.HostAccessMask(version, uint32(off), isWrite)
		if err != nil {
			return err
		}

		dir := "read"
		if isWrite {
			dir = "write"
		}
		if mask == 0 {
			fmt.Printf("0x%04x %s: denied\n", off, dir)
		} else {
			fmt.Printf("0x%04x %s: 0x%08x\n", off, dir, mask)
		}
		return nil
	},
}
