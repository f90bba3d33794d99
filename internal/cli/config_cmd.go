package cli

import (
	"runtime"

	"fingerauth/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

func (r *Root) configShow() error {
	c := r.cfg
	r.printf("Current configuration:\n")
	r.printf("Config file: %s\n", config.Path())

	r.printf("\nDevice:\n")
	r.printf("  Driver: %s\n", c.Device.Driver)
	r.printf("  Port: %s @ %d baud\n", c.Device.Port, c.Device.BaudRate)
	r.printf("  Address: 0x%08X\n", c.Device.Address)
	r.printf("  Poll interval: %dms\n", c.Device.PollIntervalMS)

	r.printf("\nMatching:\n")
	r.printf("  Strategy: %s (ratio %.2f, max distance %d)\n", c.Matching.Strategy, c.Matching.Ratio, c.Matching.MaxDistance)
	r.printf("  Min matches: %d\n", c.Matching.MinMatches)
	r.printf("  Reprojection threshold: %.1fpx\n", c.Matching.ReprojThreshold)
	r.printf("  RANSAC: %d iterations, confidence %.3f, seed %d\n", c.Matching.MaxIterations, c.Matching.Confidence, c.Matching.Seed)

	r.printf("\nQuality gate:\n")
	r.printf("  Min contrast: %.1f\n", c.Quality.MinContrast)
	r.printf("  Max dark fraction: %.2f\n", c.Quality.MaxDarkFraction)
	r.printf("  Min keypoints: %d\n", c.Quality.MinKeypoints)

	r.printf("\nPaths:\n")
	r.printf("  Database: %s\n", c.Paths.DatabasePath)
	r.printf("  Inbox: %s\n", joinOr(nonEmpty(c.Paths.Inbox), "(none)"))

	r.printf("\nServer: http %s, grpc %s\n", c.Server.HTTPAddr, c.Server.GRPCAddr)
	r.printf("Credential service: %s\n", c.Credential.BaseURL)
	return nil
}

func nonEmpty(items ...string) []string {
	var out []string
	for _, s := range items {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *Root) cmdVersion() error {
	r.printf("fingerauth %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	if r.devices != nil {
		r.printf("Sensor drivers: %s\n", joinOr(r.devices.Drivers(), "none"))
	}
	return nil
}
