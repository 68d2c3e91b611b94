package stageconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadPipelineFile parses the line-oriented pipeline configuration
// format: "#"-prefixed lines and blank lines are comments, every other
// line is "|"-delimited:
//
//	name|library_path|params|enabled|failover_policy|max_retries|timeout_ms
//
// Fields beyond timeout_ms are reserved and ignored. The pipeline-file
// format has no fields for backoff shape, so every stage's
// InitialDelayMs, MaxDelayMs, and BackoffMultiplier are hardcoded
// (100ms, 5000ms, 2.0); only Kind, MaxRetries, and TimeoutMs come from
// the line itself.
func LoadPipelineFile(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stageconfig: open %s: %w", path, err)
	}
	defer f.Close()
	return parsePipelineFile(f)
}

func parsePipelineFile(r io.Reader) ([]Descriptor, error) {
	var descs []Descriptor
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := parseStageLine(line)
		if err != nil {
			return nil, fmt.Errorf("stageconfig: line %d: %w", lineNo, err)
		}
		descs = append(descs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stageconfig: scan: %w", err)
	}
	return descs, nil
}

func parseStageLine(line string) (Descriptor, error) {
	fields := strings.Split(line, "|")
	if len(fields) < 7 {
		return Descriptor{}, fmt.Errorf("expected at least 7 fields, got %d", len(fields))
	}

	enabled, err := parseBool(fields[3])
	if err != nil {
		return Descriptor{}, fmt.Errorf("enabled field: %w", err)
	}
	maxRetries, err := strconv.Atoi(fields[5])
	if err != nil {
		return Descriptor{}, fmt.Errorf("max_retries field: %w", err)
	}
	timeoutMs, err := strconv.Atoi(fields[6])
	if err != nil {
		return Descriptor{}, fmt.Errorf("timeout_ms field: %w", err)
	}

	d := Descriptor{
		Name:       fields[0],
		PluginPath: fields[1],
		Params:     fields[2],
		Enabled:    enabled,
		Failover: FailoverPolicy{
			Kind:              FailoverKind(fields[4]),
			MaxRetries:        maxRetries,
			TimeoutMs:         timeoutMs,
			InitialDelayMs:    100,
			MaxDelayMs:        5000,
			BackoffMultiplier: 2.0,
		},
	}
	return d, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected true|false|1|0, got %q", s)
	}
}

// supervisorSpecDoc mirrors SupervisorSpec for YAML unmarshaling, since
// the spec's fields use a different casing convention on the wire than
// in Go.
type supervisorSpecDoc struct {
	RestartPolicy    string `yaml:"restart_policy"`
	MaxRestarts      int    `yaml:"max_restarts"`
	RestartPeriodS   int    `yaml:"restart_period_s"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

// LoadSupervisorSpec loads the supplementary YAML supervisor spec file.
// This format is not named by the external configuration contract; it
// exists so a deployment can override DefaultSupervisorSpec without
// recompiling.
func LoadSupervisorSpec(path string) (SupervisorSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SupervisorSpec{}, fmt.Errorf("stageconfig: read %s: %w", path, err)
	}
	var doc supervisorSpecDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return SupervisorSpec{}, fmt.Errorf("stageconfig: parse %s: %w", path, err)
	}
	spec := SupervisorSpec{
		RestartPolicy:    RestartPolicy(strings.ToUpper(doc.RestartPolicy)),
		MaxRestarts:      doc.MaxRestarts,
		RestartPeriodS:   doc.RestartPeriodS,
		ShutdownTimeoutS: doc.ShutdownTimeoutS,
	}
	if err := spec.Validate(); err != nil {
		return SupervisorSpec{}, err
	}
	return spec, nil
}
