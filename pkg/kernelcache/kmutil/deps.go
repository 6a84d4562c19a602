package kmutil

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/dominikbraun/graph"
	"github.com/hashicorp/go-version"

	"github.com/blacktop/kcbuild/internal/utils"
)

// PrelinkInfo is the directory document of a built collection
type PrelinkInfo struct {
	PrelinkInfoDictionary []CFBundle `plist:"_PrelinkInfoDictionary,omitempty"`
	KCID                  []byte     `plist:"_PrelinkKCID,omitempty"`
}

// CFBundle is the subset of a module's metadata the builder reads back from
// parent collections
type CFBundle struct {
	Name               string            `plist:"CFBundleName,omitempty"`
	ID                 string            `plist:"CFBundleIdentifier,omitempty"`
	CompatibleVersion  string            `plist:"OSBundleCompatibleVersion,omitempty"`
	Version            string            `plist:"CFBundleVersion,omitempty"`
	Executable         string            `plist:"CFBundleExecutable,omitempty"`
	OSBundleLibraries  map[string]string `plist:"OSBundleLibraries,omitempty"`
	ExecutableLoadAddr uint64            `plist:"_PrelinkExecutableLoadAddr,omitempty"`
	ExecutableSize     uint64            `plist:"_PrelinkExecutableSize,omitempty"`
	BundlePath         string            `plist:"_PrelinkBundlePath,omitempty"`
}

type bundleVersion struct {
	version string
	compat  string
}

// bundles decodes the directory of a parent collection, if it has one
func (p *parentCollection) bundles() []CFBundle {
	dat, err := p.image.SectionContent("__PRELINK_INFO", "__info")
	if err != nil {
		return nil
	}
	var prelink PrelinkInfo
	if err := plist.NewDecoder(bytes.NewReader(bytes.Trim(dat, "\x00"))).Decode(&prelink); err != nil {
		log.WithError(err).Warnf("failed to decode prelink info of %s", p.name())
		return nil
	}
	return prelink.PrelinkInfoDictionary
}

// checkDependencies builds the dependency graph of the current modules,
// rejecting missing dependencies, cycles and incompatible versions, and
// derives the load order (dependencies first).
func (ctx *buildContext) checkDependencies() error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	addVertex := func(id string) {
		if err := g.AddVertex(id); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			log.WithError(err).Debugf("failed to add vertex %s", id)
		}
	}

	for _, p := range ctx.parents {
		for _, b := range p.bundles() {
			ctx.versions[b.ID] = bundleVersion{version: b.Version, compat: b.CompatibleVersion}
		}
		for _, e := range p.entries {
			addVertex(e.ID)
		}
	}
	for _, s := range ctx.symbolSets {
		addVertex(s.id)
	}
	for _, m := range ctx.modules {
		addVertex(m.ID)
		if m.Info != nil {
			ctx.versions[m.ID] = bundleVersion{
				version: m.Info.String(infoBundleVersion),
				compat:  m.Info.String(infoCompatVersion),
			}
		}
	}

	for _, m := range ctx.modules {
		required := m.Info.Libraries()
		for _, dep := range m.Dependencies {
			if _, err := g.Vertex(dep); err != nil {
				m.Diag().Errorf("%w: %s", errDependencyMissing, dep)
				continue
			}
			if dep == m.ID {
				continue
			}
			if err := g.AddEdge(m.ID, dep); err != nil {
				switch {
				case errors.Is(err, graph.ErrEdgeAlreadyExists):
				case errors.Is(err, graph.ErrEdgeCreatesCycle):
					m.Diag().Errorf("dependency cycle between %s and %s", m.ID, dep)
				default:
					m.Diag().Errorf("failed to add dependency %s: %v", dep, err)
				}
				continue
			}
			if err := checkVersion(required[dep], ctx.versions[dep]); err != nil {
				m.Diag().Errorf("dependency %s: %w", dep, err)
			}
		}
	}
	if err := ctx.failures(); err != nil {
		return err
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return fmt.Errorf("failed to sort module dependencies: %w", err)
	}
	slices.Reverse(order)
	ctx.loadOrder = order

	for _, m := range ctx.modules {
		if len(m.Dependencies) > 0 {
			utils.Indent(log.WithField("module", m.ID).Debug, 2)(fmt.Sprintf("depends on %v", m.Dependencies))
		}
	}
	return nil
}

// checkVersion enforces compatible <= required <= current. Missing versions
// are not checked.
func checkVersion(required string, have bundleVersion) error {
	if required == "" || have.version == "" {
		return nil
	}
	req, err := version.NewVersion(required)
	if err != nil {
		return fmt.Errorf("invalid required version %q: %w", required, err)
	}
	cur, err := version.NewVersion(have.version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", have.version, err)
	}
	if req.GreaterThan(cur) {
		return fmt.Errorf("requires version %s, found %s", req, cur)
	}
	if have.compat == "" {
		return nil
	}
	compat, err := version.NewVersion(have.compat)
	if err != nil {
		return fmt.Errorf("invalid compatible version %q: %w", have.compat, err)
	}
	if req.LessThan(compat) {
		return fmt.Errorf("requires version %s, only compatible back to %s", req, compat)
	}
	return nil
}
