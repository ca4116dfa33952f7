// Command usbdsim enumerates simulated USB devices built from description
// files, captures their bus traffic and replays captures.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ardnew/usbd/internal/logging"
	"github.com/ardnew/usbd/pkg"
	"github.com/ardnew/usbd/pkg/prof"
)

const appName = "usbdsim"

// LogFlags configures logging.
type LogFlags struct {
	Level      string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBDSIM_LOG_LEVEL"`
	Format     string `help:"Log format" enum:"text,json" default:"text"`
	File       string `help:"Also write logs to this file, rotated by size" type:"path" env:"USBDSIM_LOG_FILE"`
	MaxSize    int    `help:"Rotate the log file after this many megabytes" default:"10"`
	MaxBackups int    `help:"Rotated log files to keep" default:"3"`
	MaxAge     int    `help:"Days to keep rotated log files, 0 keeps them all" default:"0"`
}

// ProfileFlags selects runtime profiles recorded while the command runs.
type ProfileFlags struct {
	CPU       string `help:"Write a CPU profile to this file" type:"path"`
	Heap      string `help:"Write a heap profile to this file on exit" type:"path"`
	Goroutine string `help:"Write a goroutine profile to this file on exit" type:"path"`
	Block     string `help:"Write a blocking profile to this file on exit" type:"path"`
	Mutex     string `help:"Write a mutex contention profile to this file on exit" type:"path"`
}

func (f ProfileFlags) options() prof.Options {
	return prof.Options{
		CPU: f.CPU,
		Snapshots: map[prof.Profile]string{
			prof.ProfileHeap:      f.Heap,
			prof.ProfileGoroutine: f.Goroutine,
			prof.ProfileBlock:     f.Block,
			prof.ProfileMutex:     f.Mutex,
		},
	}
}

// CLI is the command tree.
type CLI struct {
	Config string       `help:"Configuration file with default flag values (.json, .yaml, .toml)" type:"path" env:"USBDSIM_CONFIG"`
	Log    LogFlags     `embed:"" prefix:"log."`
	Prof   ProfileFlags `embed:"" prefix:"profile."`

	Enumerate EnumerateCmd `cmd:"" help:"Enumerate a simulated device and print its descriptors"`
	Describe  DescribeCmd  `cmd:"" help:"Show the endpoint plan and raw descriptors of a device description"`
	Replay    ReplayCmd    `cmd:"" help:"List or re-run a bus capture"`
	Disk      DiskCmd      `cmd:"" help:"Query the mass storage functions of a device with SCSI commands"`
	ConfigCmd ConfigCmd    `cmd:"" name:"config" help:"Device description file helpers"`
}

func main() {
	jsonPaths, yamlPaths, tomlPaths := configPaths(findUserConfig(os.Args[1:]))

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Simulated USB device enumeration and bus capture"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := logging.Setup(logging.Options{
		Level:      cli.Log.Level,
		Format:     cli.Log.Format,
		File:       cli.Log.File,
		MaxSizeMB:  cli.Log.MaxSize,
		MaxBackups: cli.Log.MaxBackups,
		MaxAgeDays: cli.Log.MaxAge,
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()
	pkg.SetLogger(logger)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx.Bind(logger)
	ctx.BindTo(runCtx, (*context.Context)(nil))
	ctx.BindTo(os.Stdout, (*io.Writer)(nil))

	profile, err := prof.Start(cli.Prof.options())
	ctx.FatalIfErrorf(err)

	err = ctx.Run()
	if perr := profile.Stop(); perr != nil {
		logger.Warn("write profiles", slog.Any("error", perr))
	}
	if err != nil {
		logger.Error("command failed", slog.String("command", ctx.Command()), slog.Any("error", err))
	}
	ctx.FatalIfErrorf(err)
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("USBDSIM_CONFIG")
}

// configPaths lists configuration candidates per loader, highest priority
// first: the user file, then the working directory, then the user config
// directory.
func configPaths(user string) (jsonPaths, yamlPaths, tomlPaths []string) {
	if user != "" {
		switch strings.ToLower(filepath.Ext(user)) {
		case ".json":
			jsonPaths = append(jsonPaths, user)
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, user)
		case ".toml":
			tomlPaths = append(tomlPaths, user)
		}
	}

	dirs := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, appName))
	}
	for _, dir := range dirs {
		base := filepath.Join(dir, appName)
		jsonPaths = append(jsonPaths, base+".json")
		yamlPaths = append(yamlPaths, base+".yaml", base+".yml")
		tomlPaths = append(tomlPaths, base+".toml")
	}
	return jsonPaths, yamlPaths, tomlPaths
}
