// Package config loads the installer configuration file.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"flashinst/mtd"
	"flashinst/nandsim"
)

type Config struct {
	Socket        string `yaml:"socket"`
	ProcMTD       string `yaml:"proc_mtd"`
	DevDir        string `yaml:"dev_dir"`
	PostUpdateCmd string `yaml:"postupdate_cmd"`
	ChunkSize     Size   `yaml:"chunk_size"`
	Log           Log    `yaml:"log"`
	// Sim replaces the kernel devices with simulated ones when non-empty.
	Sim []Sim `yaml:"sim"`
}

type Log struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

// Sim describes one simulated partition. An empty Path keeps it in memory.
type Sim struct {
	Name      string  `yaml:"name"`
	Path      string  `yaml:"path"`
	Type      string  `yaml:"type"`
	Size      Size    `yaml:"size"`
	EraseSize Size    `yaml:"erase_size"`
	MinIO     Size    `yaml:"min_io"`
	BadBlocks []int64 `yaml:"bad_blocks"`
}

// Size is a byte count written as a number or with a k/m/g suffix.
type Size int64

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseSize(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

// ParseSize accepts "4096", "0x1000", "128k", "64m", "1g" or "512b".
func ParseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(ss, "0x") {
		v, err := strconv.ParseInt(ss[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("size %q: %w", s, err)
		}
		return v, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "m")
	case strings.HasSuffix(ss, "g"):
		mult = 1024 * 1024 * 1024
		ss = strings.TrimSuffix(ss, "g")
	case strings.HasSuffix(ss, "b"):
		ss = strings.TrimSuffix(ss, "b")
	}
	v, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("size %q is negative", s)
	}
	return int64(v * float64(mult)), nil
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.ProcMTD == "" {
		c.ProcMTD = mtd.DefaultProcMTD
	}
	if c.DevDir == "" {
		c.DevDir = "/dev"
	}
	for i := range c.Sim {
		if c.Sim[i].Type == "" {
			c.Sim[i].Type = "nand"
		}
		if c.Sim[i].Name == "" {
			c.Sim[i].Name = fmt.Sprintf("sim%d", i)
		}
	}
}

// Load reads path from fs. A missing path yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.Defaults()
	return c, nil
}

// Provider returns the device provider the config asks for: the simulated
// bank when sim entries exist, the kernel otherwise.
func (c *Config) Provider(fs afero.Fs) (mtd.Provider, error) {
	if len(c.Sim) == 0 {
		return &mtd.System{Fs: fs, ProcMTD: c.ProcMTD, DevDir: c.DevDir}, nil
	}
	specs := make([]nandsim.Spec, 0, len(c.Sim))
	for _, s := range c.Sim {
		spec, err := s.Spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	bank, err := nandsim.NewBank(specs...)
	if err != nil {
		return nil, err
	}
	return bank, nil
}

func (s Sim) Spec() (nandsim.Spec, error) {
	t, err := mtd.ParseType(s.Type)
	if err != nil {
		return nandsim.Spec{}, fmt.Errorf("sim %s: %w", s.Name, err)
	}
	minIO := int64(s.MinIO)
	if minIO == 0 {
		minIO = 1
	}
	geo := mtd.Geometry{Type: t, Size: int64(s.Size), EraseSize: int64(s.EraseSize), MinIOSize: minIO}
	if err := geo.Validate(); err != nil {
		return nandsim.Spec{}, fmt.Errorf("sim %s: %w", s.Name, err)
	}
	return nandsim.Spec{
		Name:    s.Name,
		Path:    s.Path,
		Options: nandsim.Options{Geometry: geo, BadBlocks: s.BadBlocks},
	}, nil
}
