package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/ardnew/usbd/pkg"
)

// Format is a description file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrFormat is returned for unknown file formats.
var ErrFormat = fmt.Errorf("%w: unsupported config format", pkg.ErrInvalidParameter)

// ParseFormat normalizes a format or file extension name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrFormat, s)
	}
}

// Function kinds.
const (
	KindHID = "hid"
	KindCDC = "cdc"
	KindMSC = "msc"
)

var kinds = []string{KindHID, KindCDC, KindMSC}

// File is a device description file.
type File struct {
	Device    Identity   `yaml:"device" toml:"device"`
	Functions []Function `yaml:"functions" toml:"functions"`
}

// Identity describes the device and its configuration.
type Identity struct {
	VendorID      uint16        `yaml:"vendorId" toml:"vendorId"`
	VendorName    string        `yaml:"vendorName,omitempty" toml:"vendorName,omitempty"`
	ProductID     uint16        `yaml:"productId" toml:"productId"`
	ProductName   string        `yaml:"productName,omitempty" toml:"productName,omitempty"`
	Version       string        `yaml:"version,omitempty" toml:"version,omitempty"`
	Serial        string        `yaml:"serial,omitempty" toml:"serial,omitempty"`
	LangID        uint16        `yaml:"langId,omitempty" toml:"langId,omitempty"`
	HighSpeed     bool          `yaml:"highSpeed,omitempty" toml:"highSpeed,omitempty"`
	Configuration Configuration `yaml:"configuration" toml:"configuration"`
}

// Configuration describes the single device configuration.
type Configuration struct {
	Name         string `yaml:"name,omitempty" toml:"name,omitempty"`
	MaxCurrentMA uint16 `yaml:"maxCurrentMA" toml:"maxCurrentMA"`
	SelfPowered  bool   `yaml:"selfPowered,omitempty" toml:"selfPowered,omitempty"`
	RemoteWakeup bool   `yaml:"remoteWakeup,omitempty" toml:"remoteWakeup,omitempty"`
	LPM          bool   `yaml:"lpm,omitempty" toml:"lpm,omitempty"`
}

// Function is one class driver instance.
type Function struct {
	Kind string `yaml:"kind" toml:"kind"`
	Name string `yaml:"name,omitempty" toml:"name,omitempty"`

	// HID
	Report   string `yaml:"report,omitempty" toml:"report,omitempty"` // keyboard or mouse
	Boot     bool   `yaml:"boot,omitempty" toml:"boot,omitempty"`
	Output   bool   `yaml:"output,omitempty" toml:"output,omitempty"` // interrupt OUT endpoint
	Interval uint8  `yaml:"interval,omitempty" toml:"interval,omitempty"`

	// CDC
	Echo bool `yaml:"echo,omitempty" toml:"echo,omitempty"`

	// MSC. Without an image the disk is a RAM disk of Blocks blocks.
	Image     string `yaml:"image,omitempty" toml:"image,omitempty"`
	Blocks    uint64 `yaml:"blocks,omitempty" toml:"blocks,omitempty"`
	BlockSize uint32 `yaml:"blockSize,omitempty" toml:"blockSize,omitempty"`
	ReadOnly  bool   `yaml:"readOnly,omitempty" toml:"readOnly,omitempty"`
	Removable bool   `yaml:"removable,omitempty" toml:"removable,omitempty"`

	Endpoints *Endpoints `yaml:"endpoints,omitempty" toml:"endpoints,omitempty"`
}

// Endpoints overrides allocated endpoint numbers. Zero means allocate.
type Endpoints struct {
	In     uint8 `yaml:"in,omitempty" toml:"in,omitempty"`
	Out    uint8 `yaml:"out,omitempty" toml:"out,omitempty"`
	Notify uint8 `yaml:"notify,omitempty" toml:"notify,omitempty"`
}

// Load reads and validates the file at path, choosing the format from
// its extension. Relative disk image paths are resolved against the
// file's directory.
func Load(path string) (*File, error) {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range f.Functions {
		if img := f.Functions[i].Image; img != "" && !filepath.IsAbs(img) {
			f.Functions[i].Image = filepath.Join(filepath.Dir(path), img)
		}
	}
	pkg.LogDebug(pkg.ComponentConfig, "configuration loaded",
		"path", path,
		"functions", len(f.Functions))
	return f, nil
}

// Parse decodes and validates data. Unknown keys are rejected.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
		}
	case FormatTOML:
		if err := toml.NewDecoder(bytes.NewReader(data)).Strict(true).Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Marshal encodes f in format.
func (f *File) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(f)
	case FormatTOML:
		return toml.Marshal(*f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
}

// Template returns a sample file describing a keyboard with a serial
// console.
func Template() *File {
	return &File{
		Device: Identity{
			VendorID:    0xCAFE,
			VendorName:  "Acme",
			ProductID:   0x4001,
			ProductName: "Keyboard with console",
			Version:     "1.0",
			Serial:      "0001",
			Configuration: Configuration{
				Name:         "Default",
				MaxCurrentMA: 100,
				RemoteWakeup: true,
			},
		},
		Functions: []Function{
			{Kind: KindHID, Name: "Keyboard", Report: ReportKeyboard, Boot: true},
			{Kind: KindCDC, Name: "Console", Echo: true},
		},
	}
}
