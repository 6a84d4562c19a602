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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/kcbuild/internal/bundle"
	"github.com/blacktop/kcbuild/internal/config"
	"github.com/blacktop/kcbuild/internal/utils"
	"github.com/blacktop/kcbuild/pkg/kernelcache/aslr"
	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
	"github.com/blacktop/kcbuild/pkg/kernelcache/kmutil"
)

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().String("kind", "", "Collection kind (root|pageable|auxiliary)")
	createCmd.Flags().StringSliceP("arch", "a", nil, "Architecture(s) to build; more than one builds a universal binary")
	createCmd.Flags().StringP("kernel", "k", "", "Input kernel (root collections)")
	createCmd.Flags().StringSliceP("bundle", "b", nil, "Kext bundle or directory of bundles to include")
	createCmd.Flags().StringSliceP("bundle-id", "i", nil, "Only include bundles with these identifiers")
	createCmd.Flags().StringSliceP("parent", "p", nil, "Parent kernel collection(s), root collection first")
	createCmd.Flags().IntSlice("shared-slide", nil, "Parent levels that slide with the new collection")
	createCmd.Flags().String("regions", "", "YAML region rules overriding the built-in segment classification")
	createCmd.Flags().String("strip", "", "Strip policy for extensions (none|locals|all)")
	createCmd.Flags().IntP("workers", "j", 0, "Number of link workers (default: number of CPUs)")
	createCmd.Flags().String("base", "", "Base address of a root collection")
	createCmd.Flags().StringArray("user-section", nil, "Embed raw data as SEGMENT[,SECTION]=FILE")
	createCmd.Flags().StringToString("directory-entry", nil, "Extra prelink directory entry KEY=VALUE")
	viper.BindPFlag("create.kind", createCmd.Flags().Lookup("kind"))
	viper.BindPFlag("create.arch", createCmd.Flags().Lookup("arch"))
	viper.BindPFlag("create.kernel", createCmd.Flags().Lookup("kernel"))
	viper.BindPFlag("create.bundle", createCmd.Flags().Lookup("bundle"))
	viper.BindPFlag("create.bundle-id", createCmd.Flags().Lookup("bundle-id"))
	viper.BindPFlag("create.parent", createCmd.Flags().Lookup("parent"))
	viper.BindPFlag("create.shared-slide", createCmd.Flags().Lookup("shared-slide"))
	viper.BindPFlag("create.regions", createCmd.Flags().Lookup("regions"))
	viper.BindPFlag("create.strip", createCmd.Flags().Lookup("strip"))
	viper.BindPFlag("create.workers", createCmd.Flags().Lookup("workers"))
	viper.BindPFlag("create.base", createCmd.Flags().Lookup("base"))
}

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:           "create <KC_OUT>",
	Aliases:       []string{"c"},
	Short:         "Create a kernel collection from a kernel and kext bundles",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		viper.Set("create.output", filepath.Clean(args[0]))
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		users, err := cmd.Flags().GetStringArray("user-section")
		if err != nil {
			return err
		}
		sections, err := parseUserSections(users)
		if err != nil {
			return err
		}
		entries, err := cmd.Flags().GetStringToString("directory-entry")
		if err != nil {
			return err
		}

		var opts []kmutil.Options
		for _, arch := range conf.Create.Arch {
			o, err := buildOptions(conf, arch)
			if err != nil {
				return fmt.Errorf("%s: %w", arch, err)
			}
			o.UserSections = sections
			if len(entries) > 0 {
				o.ExtraDirectoryEntries = make(kmutil.Info, len(entries))
				for k, v := range entries {
					o.ExtraDirectoryEntries[k] = v
				}
			}
			opts = append(opts, o)
		}

		if len(opts) > 1 {
			if err := kmutil.WriteFat(conf.Create.Output, opts); err != nil {
				return reportBuildError(err)
			}
			return nil
		}
		kc, err := kmutil.Build(opts[0])
		if err != nil {
			return reportBuildError(err)
		}
		if err := kc.WriteFile(conf.Create.Output); err != nil {
			return err
		}
		printSummary(kc)
		return nil
	},
}

func buildOptions(conf *config.Config, arch string) (kmutil.Options, error) {
	c := conf.Create
	kind, err := kmutil.ParseKind(c.Kind)
	if err != nil {
		return kmutil.Options{}, err
	}
	strip, err := kmutil.ParseStripMode(c.Strip)
	if err != nil {
		return kmutil.Options{}, err
	}
	o := kmutil.Options{
		Kind:    kind,
		Arch:    arch,
		Workers: c.Workers,
	}
	if c.Regions != "" {
		if o.Rules, err = kmutil.LoadRules(c.Regions); err != nil {
			return o, err
		}
	}
	if c.BaseAddress != "" {
		if o.BaseAddress, err = utils.ConvertStrToInt(c.BaseAddress); err != nil {
			return o, fmt.Errorf("invalid base address %q: %w", c.BaseAddress, err)
		}
	}
	for _, lvl := range c.SharedSlide {
		o.SharedSlideParents = append(o.SharedSlideParents, aslr.Level(lvl))
	}

	bopts := bundle.Options{Arch: arch, Strip: strip, IDs: c.BundleIDs}
	if kind == kmutil.KindRoot {
		log.WithField("path", c.Kernel).Info("Loading kernel")
		kernel, err := bundle.LoadKernel(c.Kernel, bundle.Options{Arch: arch})
		if err != nil {
			return o, err
		}
		o.Modules = append(o.Modules, kernel)
	}
	if len(c.Bundles) > 0 {
		mods, err := bundle.LoadAll(bopts, c.Bundles...)
		if err != nil {
			return o, err
		}
		o.Modules = append(o.Modules, mods...)
	}
	for _, p := range c.Parents {
		log.WithField("path", p).Info("Loading parent collection")
		parent, err := bundle.LoadCollection(p, arch)
		if err != nil {
			return o, err
		}
		o.Parents = append(o.Parents, inspect.Inspector(parent))
	}
	return o, nil
}

// parseUserSections parses SEGMENT[,SECTION]=FILE arguments
func parseUserSections(args []string) ([]kmutil.UserSection, error) {
	var sections []kmutil.UserSection
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid user section %q (expected SEGMENT[,SECTION]=FILE)", arg)
		}
		seg, sect, _ := strings.Cut(name, ",")
		dat, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read user section %s: %w", name, err)
		}
		sections = append(sections, kmutil.UserSection{Segment: seg, Section: sect, Data: dat})
	}
	return sections, nil
}

func reportBuildError(err error) error {
	var be *kmutil.BuildError
	if !errors.As(err, &be) || len(be.Modules) == 0 {
		return err
	}
	ids := make([]string, 0, len(be.Modules))
	for id := range be.Modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		log.Error(color.New(color.Bold).Sprint(id))
		for _, merr := range be.Modules[id] {
			utils.Indent(log.Error, 2)(merr.Error())
		}
	}
	return fmt.Errorf("failed to build kernel collection: %d module(s) failed", len(be.Modules))
}

func printSummary(kc *kmutil.Collection) {
	fmt.Printf("%s %s %s (%s)\n",
		color.New(color.Bold).Sprint("UUID:"), kc.UUID,
		color.New(color.Faint).Sprint(kc.Arch),
		humanize.Bytes(uint64(len(kc.Bytes))))
	for _, r := range kc.Regions {
		fmt.Printf("  %s\n", r)
	}
	var eliminated int
	for _, t := range kc.Trampolines {
		if t.Eliminated {
			eliminated++
		}
	}
	fmt.Printf("%s %d modules, %d vtables, %d trampolines (%d eliminated), %d pointers\n",
		color.New(color.Bold).Sprint("Linked:"),
		len(kc.Modules), len(kc.VTables), len(kc.Trampolines), eliminated, kc.Tracker.Len())
}
