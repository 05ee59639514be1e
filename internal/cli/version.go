package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sufield/cosign/internal/buildinfo"
)

// VersionInfo contains detailed version and build information
type VersionInfo struct {
	buildinfo.Info
	GoVersion string `json:"go_version"`
	GOOS      string `json:"os"`
	GOARCH    string `json:"arch"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Info:      buildinfo.Get(),
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display detailed version and build information for the cosign CLI.",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
	cmd.Flags().String("format", "text", "Output format: text or json")
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("%w: failed to get format flag: %v", ErrUsage, err)
	}

	info := GetVersionInfo()
	w := cmd.OutOrStdout()

	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(info); err != nil {
			return fmt.Errorf("%w: failed to encode version info as JSON: %v", ErrInternal, err)
		}
	case "text":
		fmt.Fprintf(w, "Version: %s\n", info.Version)
		fmt.Fprintf(w, "Commit: %s\n", info.CommitHash)
		fmt.Fprintf(w, "Build Time: %s\n", info.BuildTime)
		fmt.Fprintf(w, "Build User: %s\n", info.BuildUser)
		fmt.Fprintf(w, "Build Host: %s\n", info.BuildHost)
		fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
		fmt.Fprintf(w, "OS/Arch: %s/%s\n", info.GOOS, info.GOARCH)
	default:
		return fmt.Errorf("%w: unsupported format %q, use 'text' or 'json'", ErrUsage, format)
	}

	return nil
}
