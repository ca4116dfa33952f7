package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ardnew/usbd/config"
)

// ConfigCmd groups description file subcommands.
type ConfigCmd struct {
	Init     ConfigInitCmd     `cmd:"" help:"Write a sample device description file"`
	Validate ConfigValidateCmd `cmd:"" help:"Check a device description file"`
}

// ConfigInitCmd writes the built-in template.
type ConfigInitCmd struct {
	Format string `help:"Output format" enum:"yaml,toml" default:"yaml"`
	Output string `help:"Destination file; standard output when empty" type:"path" short:"o"`
	Force  bool   `help:"Overwrite if the file already exists"`
}

// Run is called by kong when the config init command is executed.
func (c *ConfigInitCmd) Run(logger *slog.Logger, out io.Writer) error {
	format, err := config.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	data, err := config.Template().Marshal(format)
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = out.Write(data)
		return err
	}

	if !c.Force {
		if _, err := os.Stat(c.Output); err == nil {
			return errors.New("destination exists; use --force to overwrite")
		}
	}
	if dir := filepath.Dir(c.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(c.Output, data, 0o644); err != nil {
		return err
	}
	logger.Info("device description written", "path", c.Output, "format", string(format))
	return nil
}

// ConfigValidateCmd loads a file and reports its problems.
type ConfigValidateCmd struct {
	File string `arg:"" help:"Device description file" type:"existingfile"`
}

// Run is called by kong when the config validate command is executed.
func (c *ConfigValidateCmd) Run(out io.Writer) error {
	f, err := config.Load(c.File)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("%s: %d functions, valid", c.File, len(f.Functions))))
	return nil
}
