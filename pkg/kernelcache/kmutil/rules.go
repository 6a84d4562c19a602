package kmutil

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/blacktop/kcbuild/pkg/kernelcache/inspect"
	"gopkg.in/yaml.v3"
)

//go:embed regions.yaml
var defaultRules []byte

// RegionKind names one kind of output region
type RegionKind string

const (
	RegionHeader      RegionKind = "header"
	RegionText        RegionKind = "text"
	RegionTextExec    RegionKind = "text_exec"
	RegionBranchStubs RegionKind = "branch_stubs"
	RegionDataConst   RegionKind = "data_const"
	RegionBranchGOTs  RegionKind = "branch_gots"
	RegionData        RegionKind = "data"
	RegionHib         RegionKind = "hib"
	RegionUser        RegionKind = "user"
	RegionPrelinkInfo RegionKind = "prelink_info"
	RegionNonSplit    RegionKind = "non_split"
	RegionLinkedit    RegionKind = "linkedit"
)

var knownKinds = []RegionKind{
	RegionHeader, RegionText, RegionTextExec, RegionBranchStubs, RegionDataConst,
	RegionBranchGOTs, RegionData, RegionHib, RegionUser, RegionPrelinkInfo,
	RegionNonSplit, RegionLinkedit,
}

// required region kinds; everything else may be left out of a rules file
var requiredKinds = []RegionKind{RegionHeader, RegionPrelinkInfo, RegionLinkedit}

// SegmentRule matches source segments by name and optional init protection
type SegmentRule struct {
	Name string `yaml:"name"`
	Prot string `yaml:"prot,omitempty"`
}

// RegionRule defines one output region
type RegionRule struct {
	Kind     RegionKind    `yaml:"kind"`
	Name     string        `yaml:"name,omitempty"`
	Prot     string        `yaml:"prot,omitempty"`
	RootOnly bool          `yaml:"root_only,omitempty"`
	Segments []SegmentRule `yaml:"segments,omitempty"`

	prot inspect.Prot
}

// Rules is the segment classification table. The order of Regions is the
// canonical order of the output image.
type Rules struct {
	Regions []RegionRule `yaml:"regions"`
}

// DefaultRules returns the built-in classification table
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in region rules: %v", err))
	}
	return r
}

// LoadRules reads a YAML rules file
func LoadRules(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dat, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read region rules %s: %w", path, err)
	}
	return ParseRules(dat)
}

// ParseRules decodes and validates a YAML rules document
func ParseRules(dat []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(dat, &r); err != nil {
		return nil, fmt.Errorf("failed to decode region rules: %w", err)
	}
	if err := r.verify(); err != nil {
		return nil, fmt.Errorf("invalid region rules: %w", err)
	}
	return &r, nil
}

func (r *Rules) verify() error {
	seen := make(map[RegionKind]bool)
	for i := range r.Regions {
		rr := &r.Regions[i]
		if !slices.Contains(knownKinds, rr.Kind) {
			return fmt.Errorf("unknown region kind %q", rr.Kind)
		}
		if seen[rr.Kind] {
			return fmt.Errorf("region kind %q listed twice", rr.Kind)
		}
		seen[rr.Kind] = true
		if rr.Name == "" && rr.Kind != RegionUser && rr.Kind != RegionNonSplit {
			return fmt.Errorf("region kind %q has no name", rr.Kind)
		}
		switch rr.Prot {
		case "":
			rr.prot = inspect.ProtRead
		default:
			p, err := inspect.ParseProt(rr.Prot)
			if err != nil {
				return fmt.Errorf("region %s: %w", rr.Kind, err)
			}
			rr.prot = p
		}
		for _, sr := range rr.Segments {
			if sr.Name == "" {
				return fmt.Errorf("region %s has a segment rule without a name", rr.Kind)
			}
			if sr.Prot != "" {
				if _, err := inspect.ParseProt(sr.Prot); err != nil {
					return fmt.Errorf("region %s segment %s: %w", rr.Kind, sr.Name, err)
				}
			}
		}
	}
	for _, k := range requiredKinds {
		if !seen[k] {
			return fmt.Errorf("missing required region kind %q", k)
		}
	}
	return nil
}

func (r *Rules) rule(kind RegionKind) *RegionRule {
	for i := range r.Regions {
		if r.Regions[i].Kind == kind {
			return &r.Regions[i]
		}
	}
	return nil
}

// Classify returns the region kind a source segment is routed to. root is
// set for the kernel of a root collection.
func (r *Rules) Classify(seg inspect.Segment, root bool) (RegionKind, error) {
	prot := seg.InitProt.String()
	for _, rr := range r.Regions {
		if rr.RootOnly && !root {
			continue
		}
		for _, sr := range rr.Segments {
			if sr.Name == seg.Name && (sr.Prot == "" || sr.Prot == prot) {
				return rr.Kind, nil
			}
		}
	}
	return "", fmt.Errorf("unrecognized segment %s (%s)", seg.Name, prot)
}
