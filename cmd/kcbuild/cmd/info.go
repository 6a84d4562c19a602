/*
Copyright © 2023 blacktop

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
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/kcbuild/internal/utils"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
)

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("arch", "a", "", "Which architecture to use for universal collections")
	infoCmd.Flags().BoolP("fixups", "f", false, "Count the fixups of every fileset entry")
	viper.BindPFlag("info.arch", infoCmd.Flags().Lookup("arch"))
	viper.BindPFlag("info.fixups", infoCmd.Flags().Lookup("fixups"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <KC>",
	Aliases:       []string{"i"},
	Short:         "Display the segments and fileset entries of a kernel collection",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		kc, err := inspect.Open(args[0], viper.GetString("info.arch"))
		if err != nil {
			return err
		}
		defer kc.Close()

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %#x\n\n", bold("Base:"), kc.PreferredLoadAddress())

		fmt.Println(bold("Segments:"))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		for seg := range kc.Segments() {
			fmt.Fprintf(w, "%s%s\t%#x-%#x\t%s/%s\t%s\n", utils.Pad(2), seg.Name,
				seg.Addr, seg.Addr+seg.Size, seg.InitProt, seg.MaxProt, humanize.Bytes(seg.Size))
		}
		w.Flush()

		entries, err := kc.Entries()
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", bold("Entries:"))
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			text, ok := inspect.SegmentNamed(e.Image, "__TEXT")
			line := fmt.Sprintf("%s%s\t", utils.Pad(2), e.ID)
			if ok {
				line += fmt.Sprintf("%#x", text.Addr)
			}
			if viper.GetBool("info.fixups") {
				var n int
				for _, err := range e.Image.Fixups() {
					if err != nil {
						return fmt.Errorf("%s: %w", e.ID, err)
					}
					n++
				}
				line += fmt.Sprintf("\t%d fixups", n)
			}
			fmt.Fprintln(w, line)
		}
		w.Flush()
		return nil
	},
}
