// Package config layers CLI flags over an optional TOML file. Flags take
// precedence; the file only fills in values the operator didn't pass on
// the command line.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds every setting the server needs, per spec.md §6.
type Config struct {
	Dir         string
	DBFilename  string
	Port        int
	ReplicaOf   string // "HOST PORT", empty means master
	LogLevel    string
	ConfigFile  string
	IsReplica   bool
	MasterHost  string
	MasterPort  int
}

// fileConfig mirrors the subset of Config that may come from a TOML file.
type fileConfig struct {
	Dir        string `toml:"dir"`
	DBFilename string `toml:"dbfilename"`
	Port       int    `toml:"port"`
	ReplicaOf  string `toml:"replicaof"`
	LogLevel   string `toml:"log_level"`
}

// Parse parses os.Args-style arguments (pass flag.CommandLine.Args() or
// os.Args[1:]) into a Config, applying TOML-file defaults first when
// --config is given, then flag overrides, matching the teacher's
// flag.StringVar pattern in talek/replica/main.go.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("myredis-server", flag.ContinueOnError)

	dir := fs.String("dir", "/tmp", "directory containing the snapshot file")
	dbfilename := fs.String("dbfilename", "dump.rdb", "snapshot file name")
	port := fs.Int("port", 6379, "TCP port to listen on")
	replicaof := fs.String("replicaof", "", `"HOST PORT" of a master to replicate from`)
	logLevel := fs.String("log_level", "INFO", "logging level: DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	configFile := fs.String("config", "", "optional TOML config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Dir:        *dir,
		DBFilename: *dbfilename,
		Port:       *port,
		ReplicaOf:  *replicaof,
		LogLevel:   *logLevel,
		ConfigFile: *configFile,
	}

	if cfg.ConfigFile != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(cfg.ConfigFile, &fc); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", cfg.ConfigFile, err)
		}
		applyFlagDefault(fs, "dir", fc.Dir, &cfg.Dir)
		applyFlagDefault(fs, "dbfilename", fc.DBFilename, &cfg.DBFilename)
		applyFlagDefault(fs, "replicaof", fc.ReplicaOf, &cfg.ReplicaOf)
		applyFlagDefault(fs, "log_level", fc.LogLevel, &cfg.LogLevel)
		if fc.Port != 0 {
			applyFlagIntDefault(fs, "port", fc.Port, &cfg.Port)
		}
	}

	if cfg.ReplicaOf != "" {
		host, portStr, err := splitHostPort(cfg.ReplicaOf)
		if err != nil {
			return nil, fmt.Errorf("config: invalid --replicaof %q: %w", cfg.ReplicaOf, err)
		}
		masterPort, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid --replicaof port %q: %w", portStr, err)
		}
		cfg.IsReplica = true
		cfg.MasterHost = host
		cfg.MasterPort = masterPort
	}

	return cfg, nil
}

// applyFlagDefault overwrites *dst with fileVal only if the flag was not
// explicitly set on the command line and fileVal is non-empty.
func applyFlagDefault(fs *flag.FlagSet, name, fileVal string, dst *string) {
	if fileVal == "" {
		return
	}
	if wasSet(fs, name) {
		return
	}
	*dst = fileVal
}

func applyFlagIntDefault(fs *flag.FlagSet, name string, fileVal int, dst *int) {
	if wasSet(fs, name) {
		return
	}
	*dst = fileVal
}

func wasSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func splitHostPort(s string) (host, port string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf(`expected "HOST PORT", got %q`, s)
	}
	return parts[0], parts[1], nil
}
