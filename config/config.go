// Package config holds the tunables of the region heap: capacity limits,
// page geometry, unmapping and uncommit policy, and the diagnostics listener.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

const (
	BackingMemory = "memory"
	BackingMemfd  = "memfd"
)

const (
	defaultGranuleSize            = 2 * M
	defaultMediumPageSize         = 32 * M
	defaultVirtualToPhysicalRatio = 16
	defaultAsyncUnmappingLimit    = 100
	defaultUncommitDelay          = Duration(300 * time.Second)
	defaultUncommitChunkShift     = 7
	defaultUncommitChunkMax       = 256 * M
	defaultAllocRetryLimit        = 8
	defaultStreamInterval         = Duration(time.Second)
)

type Config struct {
	// MinCapacity is the floor the uncommitter never goes below.
	MinCapacity ByteSize `toml:"min_capacity" yaml:"min_capacity" json:"min_capacity"`
	// InitialCapacity is committed and cached at startup.
	InitialCapacity ByteSize `toml:"initial_capacity" yaml:"initial_capacity" json:"initial_capacity"`
	// MaxCapacity is the hard ceiling of the heap.
	MaxCapacity     ByteSize `toml:"max_capacity" yaml:"max_capacity" json:"max_capacity" validate:"required"`
	SoftMaxCapacity ByteSize `toml:"soft_max_capacity" yaml:"soft_max_capacity" json:"soft_max_capacity"`

	GranuleSize    ByteSize `toml:"granule_size" yaml:"granule_size" json:"granule_size" validate:"required"`
	SmallPageSize  ByteSize `toml:"small_page_size" yaml:"small_page_size" json:"small_page_size" validate:"required"`
	MediumPageSize ByteSize `toml:"medium_page_size" yaml:"medium_page_size" json:"medium_page_size"`

	VirtualToPhysicalRatio int `toml:"virtual_to_physical_ratio" yaml:"virtual_to_physical_ratio" json:"virtual_to_physical_ratio" validate:"min=2"`
	// AsyncUnmappingLimit sizes the unmapper queue in percent of MaxCapacity.
	AsyncUnmappingLimit float64 `toml:"async_unmapping_limit" yaml:"async_unmapping_limit" json:"async_unmapping_limit" validate:"gte=0,lte=100"`
	AlwaysPretouch      bool    `toml:"always_pretouch" yaml:"always_pretouch" json:"always_pretouch"`

	Uncommit           bool     `toml:"uncommit" yaml:"uncommit" json:"uncommit"`
	UncommitDelay      Duration `toml:"uncommit_delay" yaml:"uncommit_delay" json:"uncommit_delay" validate:"gte=0"`
	UncommitChunkShift uint     `toml:"uncommit_chunk_shift" yaml:"uncommit_chunk_shift" json:"uncommit_chunk_shift" validate:"lte=32"`
	UncommitChunkMax   ByteSize `toml:"uncommit_chunk_max" yaml:"uncommit_chunk_max" json:"uncommit_chunk_max" validate:"required"`

	AllocRetryLimit int    `toml:"alloc_retry_limit" yaml:"alloc_retry_limit" json:"alloc_retry_limit" validate:"gte=0"`
	NUMANodes       int    `toml:"numa_nodes" yaml:"numa_nodes" json:"numa_nodes" validate:"min=1,max=64"`
	Backing         string `toml:"backing" yaml:"backing" json:"backing" validate:"oneof=memory memfd"`
	Workers         int    `toml:"workers" yaml:"workers" json:"workers" validate:"gte=0"`

	Diagnostics Diagnostics `toml:"diagnostics" yaml:"diagnostics" json:"diagnostics"`
}

type Diagnostics struct {
	Listen         string   `toml:"listen" yaml:"listen" json:"listen"`
	StreamInterval Duration `toml:"stream_interval" yaml:"stream_interval" json:"stream_interval" validate:"gte=0"`
}

// Default returns a configuration with every tunable at its default and a
// max capacity of 256M.
func Default() *Config {
	return &Config{
		MinCapacity:            16 * M,
		InitialCapacity:        16 * M,
		MaxCapacity:            256 * M,
		GranuleSize:            defaultGranuleSize,
		SmallPageSize:          defaultGranuleSize,
		MediumPageSize:         defaultMediumPageSize,
		VirtualToPhysicalRatio: defaultVirtualToPhysicalRatio,
		AsyncUnmappingLimit:    defaultAsyncUnmappingLimit,
		Uncommit:               true,
		UncommitDelay:          defaultUncommitDelay,
		UncommitChunkShift:     defaultUncommitChunkShift,
		UncommitChunkMax:       defaultUncommitChunkMax,
		AllocRetryLimit:        defaultAllocRetryLimit,
		NUMANodes:              1,
		Backing:                BackingMemory,
		Diagnostics: Diagnostics{
			StreamInterval: defaultStreamInterval,
		},
	}
}

// Load reads a TOML or YAML file, chosen by extension, on top of Default
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, cfg)
	default:
		return nil, errors.Newf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills derived values: a zero soft max means max, a zero small
// page size means one granule.
func (c *Config) Normalize() {
	if c.SoftMaxCapacity == 0 || c.SoftMaxCapacity > c.MaxCapacity {
		c.SoftMaxCapacity = c.MaxCapacity
	}
	if c.SmallPageSize == 0 {
		c.SmallPageSize = c.GranuleSize
	}
	if c.Backing == "" {
		c.Backing = BackingMemory
	}
	if c.NUMANodes == 0 {
		c.NUMANodes = 1
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateGeometry, Config{})
	return v
}

func validateGeometry(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	granule := c.GranuleSize
	if granule == 0 || granule&(granule-1) != 0 {
		sl.ReportError(c.GranuleSize, "GranuleSize", "granule_size", "pow2", "")
		return
	}
	aligned := func(v ByteSize, field, tag string) {
		if v%granule != 0 {
			sl.ReportError(v, field, tag, "granule", "")
		}
	}
	aligned(c.MinCapacity, "MinCapacity", "min_capacity")
	aligned(c.InitialCapacity, "InitialCapacity", "initial_capacity")
	aligned(c.MaxCapacity, "MaxCapacity", "max_capacity")
	aligned(c.SmallPageSize, "SmallPageSize", "small_page_size")
	aligned(c.MediumPageSize, "MediumPageSize", "medium_page_size")
	if c.MinCapacity > c.InitialCapacity {
		sl.ReportError(c.MinCapacity, "MinCapacity", "min_capacity", "ltefield", "InitialCapacity")
	}
	if c.InitialCapacity > c.MaxCapacity {
		sl.ReportError(c.InitialCapacity, "InitialCapacity", "initial_capacity", "ltefield", "MaxCapacity")
	}
	if c.SoftMaxCapacity > c.MaxCapacity {
		sl.ReportError(c.SoftMaxCapacity, "SoftMaxCapacity", "soft_max_capacity", "ltefield", "MaxCapacity")
	}
	if c.MediumPageSize != 0 && c.MediumPageSize <= c.SmallPageSize {
		sl.ReportError(c.MediumPageSize, "MediumPageSize", "medium_page_size", "gtfield", "SmallPageSize")
	}
	if c.SmallPageSize > c.MaxCapacity {
		sl.ReportError(c.SmallPageSize, "SmallPageSize", "small_page_size", "ltefield", "MaxCapacity")
	}
}

// Validate normalizes c and checks it.
func (c *Config) Validate() error {
	c.Normalize()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid heap configuration")
	}
	return nil
}
