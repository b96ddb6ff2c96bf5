package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nugget/protect-motion/internal/config"
	"github.com/nugget/protect-motion/internal/unifi"
)

// runSensors handles "protect-motion sensors": it logs in, lists the
// controller's cameras and prints them. Nothing is cached or published.
func runSensors(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	flows, err := inspectFlows(stderr, configPath)
	if err != nil {
		return err
	}

	sensors, err := flows.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	return printSensors(stdout, outputFmt, sensors)
}

// runDetect handles "protect-motion detect": one enumeration followed
// by one motion detection over every camera.
func runDetect(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	flows, err := inspectFlows(stderr, configPath)
	if err != nil {
		return err
	}

	sensors, err := flows.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	if len(sensors) == 0 {
		return printSensors(stdout, outputFmt, sensors)
	}

	sensors, err = flows.Detect(ctx, sensors)
	if err != nil {
		return fmt.Errorf("detect motion: %w", err)
	}
	return printSensors(stdout, outputFmt, sensors)
}

// inspectFlows loads the config and builds flows that log to stderr,
// keeping stdout for command output.
func inspectFlows(stderr io.Writer, configPath string) (*unifi.Flows, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)
	return newFlows(cfg, logger, nil), nil
}

func printSensors(w io.Writer, outputFmt string, sensors []unifi.Sensor) error {
	if outputFmt == "json" {
		if sensors == nil {
			sensors = []unifi.Sensor{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sensors)
	}

	if len(sensors) == 0 {
		fmt.Fprintln(w, "No cameras found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tMAC\tMOTION")
	fmt.Fprintln(tw, "--\t----\t-------\t---\t------")
	for _, s := range sensors {
		motion := "no"
		if s.MotionDetected {
			motion = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Address, s.HardwareID, motion)
	}
	return tw.Flush()
}
