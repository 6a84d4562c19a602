// Package bundle loads kernel extension bundles and kernels from disk into
// modules the collection builder can link.
package bundle

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"

	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
	"github.com/blacktop/kcbuild/pkg/kernelcache/kmutil"
)

const (
	kernelID       = "com.apple.kernel"
	bundleSuffix   = ".kext"
	infoPlist      = "Info.plist"
	contentsDir    = "Contents"
	executableDir  = "MacOS"
	pluginsDir     = "PlugIns"
	keyIdentifier  = "CFBundleIdentifier"
	keyExecutable  = "CFBundleExecutable"
	keyRequiredFor = "OSBundleRequired"
)

// Options controls how bundles are loaded
type Options struct {
	Arch  string
	Strip kmutil.StripMode
	// IDs keeps only bundles with these identifiers (all when empty)
	IDs []string
}

// Discover returns every kext bundle under the given paths, including the
// plug-ins nested inside other bundles, sorted by path
func Discover(paths ...string) ([]string, error) {
	var bundles []string
	for _, root := range paths {
		if strings.HasSuffix(filepath.Clean(root), bundleSuffix) {
			bundles = append(bundles, filepath.Clean(root))
			root = filepath.Join(root, contentsDir, pluginsDir)
			if _, err := os.Stat(root); err != nil {
				continue
			}
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && strings.HasSuffix(d.Name(), bundleSuffix) {
				bundles = append(bundles, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to walk %s", root)
		}
	}
	slices.Sort(bundles)
	return slices.Compact(bundles), nil
}

// ReadInfo decodes a bundle's Info.plist. Both the macOS layout
// (Contents/Info.plist) and the flat embedded layout are accepted.
func ReadInfo(bundlePath string) (kmutil.Info, string, error) {
	for _, dir := range []string{filepath.Join(bundlePath, contentsDir), bundlePath} {
		path := filepath.Join(dir, infoPlist)
		dat, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var info map[string]any
		if err := plist.NewDecoder(bytes.NewReader(dat)).Decode(&info); err != nil {
			return nil, "", errors.Wrapf(err, "failed to decode %s", path)
		}
		return kmutil.Info(info), dir, nil
	}
	return nil, "", fmt.Errorf("bundle %s has no %s", bundlePath, infoPlist)
}

// Dependencies returns the bundle identifiers a module links against in a
// stable order
func Dependencies(info kmutil.Info) []string {
	var deps []string
	for id := range info.Libraries() {
		deps = append(deps, id)
	}
	slices.Sort(deps)
	return deps
}

// Load reads one kext bundle. A bundle without an executable becomes a
// codeless module.
func Load(bundlePath string, opts Options) (*kmutil.Module, error) {
	info, dir, err := ReadInfo(bundlePath)
	if err != nil {
		return nil, err
	}
	id := info.String(keyIdentifier)
	if id == "" {
		return nil, fmt.Errorf("bundle %s has no %s", bundlePath, keyIdentifier)
	}
	m := &kmutil.Module{
		ID:           id,
		Path:         bundlePath,
		Dependencies: Dependencies(info),
		Strip:        opts.Strip,
		Info:         info,
	}

	exe := info.String(keyExecutable)
	if exe == "" {
		log.WithField("bundle", id).Debug("Codeless bundle")
		return m, nil
	}
	candidates := []string{filepath.Join(dir, exe)}
	if filepath.Base(dir) == contentsDir {
		candidates = append([]string{filepath.Join(dir, executableDir, exe)}, candidates...)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		img, err := inspect.Open(path, opts.Arch)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open executable of %s", id)
		}
		m.Image = img
		return m, nil
	}
	return nil, fmt.Errorf("bundle %s: executable %s not found", id, exe)
}

// LoadAll discovers and loads every bundle under paths. Bundles that fail to
// load are logged and skipped; the builder reports missing dependencies.
func LoadAll(opts Options, paths ...string) ([]*kmutil.Module, error) {
	bundles, err := Discover(paths...)
	if err != nil {
		return nil, err
	}
	var mods []*kmutil.Module
	for _, b := range bundles {
		m, err := Load(b, opts)
		if err != nil {
			log.WithError(err).Warnf("Skipping %s", filepath.Base(b))
			continue
		}
		if len(opts.IDs) > 0 && !slices.Contains(opts.IDs, m.ID) {
			continue
		}
		if required := m.Info.String(keyRequiredFor); required != "" {
			log.WithField("bundle", m.ID).Debugf("OSBundleRequired: %s", required)
		}
		mods = append(mods, m)
	}
	log.Infof("Loaded %d of %d bundles", len(mods), len(bundles))
	return mods, nil
}

// LoadKernel reads the kernel of a root collection
func LoadKernel(path string, opts Options) (*kmutil.Module, error) {
	img, err := inspect.Open(path, opts.Arch)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open kernel %s", path)
	}
	return &kmutil.Module{
		ID:    kernelID,
		Path:  path,
		Strip: opts.Strip,
		Info:  kmutil.Info{keyIdentifier: kernelID},
		Image: img,
		Root:  true,
	}, nil
}

// LoadCollection opens an already built collection to link against
func LoadCollection(path, arch string) (inspect.Collection, error) {
	img, err := inspect.Open(path, arch)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open kernel collection %s", path)
	}
	return img, nil
}
