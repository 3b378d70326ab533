package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"
)

const (
	K ByteSize = 1 << 10
	M ByteSize = 1 << 20
	G ByteSize = 1 << 30
	T ByteSize = 1 << 40
)

// ByteSize is a size in bytes. In configuration files it is written as a
// plain number or with a binary K, M, G or T suffix ("512K", "2G").
type ByteSize uint64

func (b ByteSize) Bytes() uintptr {
	return uintptr(b)
}

func (b ByteSize) String() string {
	switch {
	case b == 0:
		return "0"
	case b%T == 0:
		return strconv.FormatUint(uint64(b/T), 10) + "T"
	case b%G == 0:
		return strconv.FormatUint(uint64(b/G), 10) + "G"
	case b%M == 0:
		return strconv.FormatUint(uint64(b/M), 10) + "M"
	case b%K == 0:
		return strconv.FormatUint(uint64(b/K), 10) + "K"
	}
	return strconv.FormatUint(uint64(b), 10)
}

// ParseByteSize parses a size such as "64M", "2GiB" or "4096". Suffixes
// are binary.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	return ByteSize(n), nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.UnmarshalText([]byte(s))
}

// Duration wraps time.Duration so it can be read from TOML and YAML strings
// such as "5m" or "300s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
