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
	"os"

	"github.com/blacktop/go-s2mpu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "s2mpuctl",
	Short: "Inspect and simulate S2MPU stage-2 memory protection units",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseVersion maps a human version name to the hardware identifier.
func parseVersion(s string) (uint32, error) {
	switch s {
	case "v1", "1":
		return s2mpu.Version1, nil
	case "v2", "2":
		return s2mpu.Version2, nil
	case "v9", "9":
		return s2mpu.Version9, nil
	default:
		return 0, fmt.Errorf("unknown version %q (want v1, v2 or v9)", s)
	}
}

// parseProt maps a permission string to a protection value.
func parseProt(s string) (s2mpu.Prot, error) {
	switch s {
	case "none", "-":
		return s2mpu.ProtNone, nil
	case "r":
		return s2mpu.ProtR, nil
	case "w":
		return s2mpu.ProtW, nil
	case "rw":
		return s2mpu.ProtRW, nil
	default:
		return 0, fmt.Errorf("unknown protection %q (want none, r, w or rw)", s)
	}
}
